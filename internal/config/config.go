package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-responder/internal/utils"
)

const envPrefix = "MIRADOR_RESPONDER_"

// Config captures every recognised setting of the responder. Unknown options
// are rejected at load time.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Cooldown    CooldownConfig    `yaml:"cooldown"`
	Triage      TriageConfig      `yaml:"triage"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Risk        RiskConfig        `yaml:"risk"`
	Remediation RemediationConfig `yaml:"remediation"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Clients     ClientsConfig     `yaml:"clients"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Policy      PolicyConfig      `yaml:"policy"`
	NATS        NATSConfig        `yaml:"nats"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Audit       AuditConfig       `yaml:"audit"`
}

// ServerConfig controls the gRPC and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gt=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// PipelineConfig bounds a single incident run.
type PipelineConfig struct {
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	StageTimeout    time.Duration `yaml:"stageTimeout" validate:"gt=0"`
	AnalysisTimeout time.Duration `yaml:"analysisTimeout" validate:"gt=0"`
}

// FingerprintConfig controls event deduplication.
type FingerprintConfig struct {
	Bucket time.Duration `yaml:"bucket" validate:"gt=0"`
}

// CooldownConfig controls the remediation cooldown ledger.
type CooldownConfig struct {
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	FailOpen bool          `yaml:"failOpen"`
}

// TriageConfig tunes severity and noise suppression.
type TriageConfig struct {
	SeverityFloor       int           `yaml:"severityFloor" validate:"gte=1,lte=10"`
	Lookback            time.Duration `yaml:"lookback" validate:"gt=0"`
	FlappingThreshold   int           `yaml:"flappingThreshold" validate:"gte=1"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold" validate:"gte=0,lte=1"`
}

// TelemetryConfig tunes anomaly detection.
type TelemetryConfig struct {
	Sensitivity float64       `yaml:"sensitivity" validate:"gt=0"`
	Window      time.Duration `yaml:"window" validate:"gt=0"`
}

// ChangeWindow blocks automated change between StartHour and EndHour on Day.
type ChangeWindow struct {
	Day       string `yaml:"day" validate:"required"`
	StartHour int    `yaml:"startHour" validate:"gte=0,lte=23"`
	EndHour   int    `yaml:"endHour" validate:"gte=1,lte=24"`
}

// RiskConfig configures guardrail evaluation.
type RiskConfig struct {
	ChangeWindows             []ChangeWindow    `yaml:"changeWindows" validate:"dive"`
	Timezone                  string            `yaml:"timezone" validate:"required"`
	HealthEscalationThreshold float64           `yaml:"healthEscalationThreshold" validate:"gte=0,lte=1"`
	BlastRadius               map[string]string `yaml:"blastRadius" validate:"dive,oneof=localized regional global"`
}

// RemediationConfig configures mechanism selection and runbooks.
type RemediationConfig struct {
	Mechanisms map[string]string `yaml:"mechanisms" validate:"dive,oneof=infrastructure_apply automation_document function_invocation"`
	RulesPath  string            `yaml:"rulesPath"`
}

// StoreConfig selects the incident store.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig configures the Valkey-backed cooldown ledger and lookup cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries" validate:"gte=-1"`
	TLS          bool          `yaml:"tls"`
	RunbookTTL   time.Duration `yaml:"runbookTTL"`
}

// ClientsConfig groups HTTP integrations.
type ClientsConfig struct {
	Core        CoreClientConfig        `yaml:"core"`
	Remediation RemediationClientConfig `yaml:"remediation"`
	Runbooks    RunbookIndexConfig      `yaml:"runbooks"`
}

// CoreClientConfig configures the telemetry and SLO aggregation API.
type CoreClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	MetricsPath string        `yaml:"metricsPath"`
	LogsPath    string        `yaml:"logsPath"`
	TracesPath  string        `yaml:"tracesPath"`
	SLOPath     string        `yaml:"sloPath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RemediationClientConfig points at the three execution backends.
type RemediationClientConfig struct {
	InfrastructureApplyURL string        `yaml:"infrastructureApplyURL"`
	AutomationDocumentURL  string        `yaml:"automationDocumentURL"`
	FunctionInvocationURL  string        `yaml:"functionInvocationURL"`
	Token                  string        `yaml:"token"`
	Timeout                time.Duration `yaml:"timeout"`
}

// RunbookIndexConfig configures the Weaviate runbook similarity index.
type RunbookIndexConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AnalysisConfig configures the language model backend.
type AnalysisConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
}

// PolicyConfig locates the compliance policy bundle.
type PolicyConfig struct {
	CompliancePath  string `yaml:"compliancePath"`
	ComplianceQuery string `yaml:"complianceQuery"`
}

// NATSConfig configures event ingestion and notification publishing.
type NATSConfig struct {
	Enabled             bool   `yaml:"enabled"`
	URL                 string `yaml:"url"`
	Stream              string `yaml:"stream"`
	EventSubject        string `yaml:"eventSubject"`
	Consumer            string `yaml:"consumer"`
	NotificationSubject string `yaml:"notificationSubject"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
}

// AuditConfig configures the decision audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Load initialises Config from a YAML file and optional environment overrides,
// then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Pipeline: PipelineConfig{
			Timeout:         4 * time.Minute,
			StageTimeout:    45 * time.Second,
			AnalysisTimeout: 20 * time.Second,
		},
		Fingerprint: FingerprintConfig{Bucket: 5 * time.Minute},
		Cooldown:    CooldownConfig{Window: 5 * time.Minute},
		Triage: TriageConfig{
			SeverityFloor:       3,
			Lookback:            24 * time.Hour,
			FlappingThreshold:   3,
			ConfidenceThreshold: 0.7,
		},
		Telemetry: TelemetryConfig{Sensitivity: 2.0, Window: 30 * time.Minute},
		Risk: RiskConfig{
			ChangeWindows:             []ChangeWindow{{Day: "friday", StartHour: 16, EndHour: 23}},
			Timezone:                  "Local",
			HealthEscalationThreshold: 0.4,
			BlastRadius: map[string]string{
				"ec2":    "localized",
				"lambda": "localized",
				"rds":    "regional",
				"config": "regional",
			},
		},
		Remediation: RemediationConfig{
			Mechanisms: map[string]string{
				"ec2":    "automation_document",
				"rds":    "automation_document",
				"lambda": "function_invocation",
			},
			RulesPath: "configs/rules/default.yaml",
		},
		Store: StoreConfig{Driver: "sqlite", DSN: "file:responder.db"},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			RunbookTTL:   10 * time.Minute,
		},
		Clients: ClientsConfig{
			Core: CoreClientConfig{
				MetricsPath: "/api/v1/signals/metrics",
				LogsPath:    "/api/v1/signals/logs",
				TracesPath:  "/api/v1/signals/traces",
				SLOPath:     "/api/v1/slo/budget",
				Timeout:     5 * time.Second,
			},
			Remediation: RemediationClientConfig{Timeout: 10 * time.Second},
			Runbooks:    RunbookIndexConfig{Timeout: 5 * time.Second},
		},
		Analysis: AnalysisConfig{Model: "gpt-4o-mini"},
		Policy:   PolicyConfig{ComplianceQuery: "data.responder.compliance.deny"},
		NATS: NATSConfig{
			URL:                 "nats://127.0.0.1:4222",
			Stream:              "RESPONDER_EVENTS",
			EventSubject:        "responder.events",
			Consumer:            "responder",
			NotificationSubject: "responder.notifications",
		},
		Tracing: TracingConfig{ServiceName: "mirador-responder", SampleRatio: 1},
		Audit: AuditConfig{
			Path:       "logs/audit.log",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
		},
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return utils.NewAppError("config.validate", "invalid configuration", err)
	}
	if c.Pipeline.StageTimeout > c.Pipeline.Timeout {
		return utils.NewAppError("config.validate", "pipeline.stageTimeout exceeds pipeline.timeout", nil)
	}
	if c.Pipeline.AnalysisTimeout > c.Pipeline.StageTimeout {
		return utils.NewAppError("config.validate", "pipeline.analysisTimeout exceeds pipeline.stageTimeout", nil)
	}
	for i, w := range c.Risk.ChangeWindows {
		if _, ok := ParseWeekday(w.Day); !ok {
			return utils.NewAppError("config.validate", fmt.Sprintf("risk.changeWindows[%d]: unknown day %q", i, w.Day), nil)
		}
		if w.EndHour <= w.StartHour {
			return utils.NewAppError("config.validate", fmt.Sprintf("risk.changeWindows[%d]: endHour must be after startHour", i), nil)
		}
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return utils.NewAppError("config.validate", "risk.timezone", err)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return utils.NewAppError("config.validate", "store.dsn is required for "+c.Store.Driver, nil)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return utils.NewAppError("config.validate", "cache.addr is required when cache is enabled", nil)
	}
	return nil
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(day string) (time.Weekday, bool) {
	d := strings.ToLower(strings.TrimSpace(day))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if d == name || d == name[:3] {
			return wd, true
		}
	}
	return 0, false
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("SERVER_ADDRESS", &cfg.Server.Address)
	str("METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	str("LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}

	duration("PIPELINE_TIMEOUT", &cfg.Pipeline.Timeout)
	duration("STAGE_TIMEOUT", &cfg.Pipeline.StageTimeout)
	duration("ANALYSIS_TIMEOUT", &cfg.Pipeline.AnalysisTimeout)
	duration("FINGERPRINT_BUCKET", &cfg.Fingerprint.Bucket)
	duration("COOLDOWN_WINDOW", &cfg.Cooldown.Window)
	boolean("COOLDOWN_FAIL_OPEN", &cfg.Cooldown.FailOpen)
	integer("SEVERITY_FLOOR", &cfg.Triage.SeverityFloor)
	float("CONFIDENCE_THRESHOLD", &cfg.Triage.ConfidenceThreshold)
	float("ANOMALY_SENSITIVITY", &cfg.Telemetry.Sensitivity)
	str("TIMEZONE", &cfg.Risk.Timezone)
	str("RULES_PATH", &cfg.Remediation.RulesPath)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)

	boolean("CACHE_ENABLED", &cfg.Cache.Enabled)
	str("CACHE_ADDR", &cfg.Cache.Addr)
	str("CACHE_USERNAME", &cfg.Cache.Username)
	str("CACHE_PASSWORD", &cfg.Cache.Password)
	integer("CACHE_DB", &cfg.Cache.DB)
	boolean("CACHE_TLS", &cfg.Cache.TLS)
	integer("CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)

	str("CORE_BASE_URL", &cfg.Clients.Core.BaseURL)
	str("REMEDIATION_INFRA_URL", &cfg.Clients.Remediation.InfrastructureApplyURL)
	str("REMEDIATION_AUTOMATION_URL", &cfg.Clients.Remediation.AutomationDocumentURL)
	str("REMEDIATION_FUNCTION_URL", &cfg.Clients.Remediation.FunctionInvocationURL)
	str("REMEDIATION_TOKEN", &cfg.Clients.Remediation.Token)
	str("WEAVIATE_URL", &cfg.Clients.Runbooks.Endpoint)
	str("WEAVIATE_API_KEY", &cfg.Clients.Runbooks.APIKey)

	boolean("ANALYSIS_ENABLED", &cfg.Analysis.Enabled)
	str("ANALYSIS_BASE_URL", &cfg.Analysis.BaseURL)
	str("ANALYSIS_MODEL", &cfg.Analysis.Model)
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Analysis.APIKey == "" {
		cfg.Analysis.APIKey = v
	}
	str("ANALYSIS_API_KEY", &cfg.Analysis.APIKey)

	str("COMPLIANCE_POLICY", &cfg.Policy.CompliancePath)

	boolean("NATS_ENABLED", &cfg.NATS.Enabled)
	str("NATS_URL", &cfg.NATS.URL)

	str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	boolean("OTLP_INSECURE", &cfg.Tracing.Insecure)

	boolean("AUDIT_ENABLED", &cfg.Audit.Enabled)
	str("AUDIT_PATH", &cfg.Audit.Path)
}
