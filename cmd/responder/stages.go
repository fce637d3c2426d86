package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-responder/internal/agent"
	"github.com/miradorstack/mirador-responder/internal/analysis"
	"github.com/miradorstack/mirador-responder/internal/cache"
	"github.com/miradorstack/mirador-responder/internal/config"
	"github.com/miradorstack/mirador-responder/internal/engine"
	"github.com/miradorstack/mirador-responder/internal/ledger"
	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/policy"
	"github.com/miradorstack/mirador-responder/internal/policy/compliance"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

// buildStages wires the six pipeline agents from configuration.
func buildStages(ctx context.Context, cfg *config.Config, history agent.HistoryReader, cacheProvider cache.Provider, logger *slog.Logger) (engine.Stages, error) {
	coreClient := repo.NewMiradorCoreClient(repo.CoreClientConfig{
		BaseURL:     cfg.Clients.Core.BaseURL,
		MetricsPath: cfg.Clients.Core.MetricsPath,
		LogsPath:    cfg.Clients.Core.LogsPath,
		TracesPath:  cfg.Clients.Core.TracesPath,
		SLOPath:     cfg.Clients.Core.SLOPath,
		Timeout:     cfg.Clients.Core.Timeout,
	})

	calendar, err := policy.NewChangeCalendar(cfg.Risk.ChangeWindows, cfg.Risk.Timezone)
	if err != nil {
		return engine.Stages{}, fmt.Errorf("change calendar: %w", err)
	}
	checker, err := compliance.Load(ctx, cfg.Policy.CompliancePath, cfg.Policy.ComplianceQuery)
	if err != nil {
		return engine.Stages{}, err
	}

	var analyzer analysis.Analyzer = analysis.Disabled{}
	if cfg.Analysis.Enabled {
		openAI, err := analysis.NewOpenAIAnalyzer(analysis.OpenAIConfig{
			APIKey:  cfg.Analysis.APIKey,
			BaseURL: cfg.Analysis.BaseURL,
			Model:   cfg.Analysis.Model,
		}, logger)
		if err != nil {
			logger.Warn("analysis backend unavailable; using templates", slog.Any("error", err))
		} else {
			analyzer = openAI
		}
	}

	rules, err := agent.NewRuleEngine(cfg.Remediation.RulesPath, logger)
	if err != nil {
		return engine.Stages{}, fmt.Errorf("load remediation rules: %w", err)
	}
	var index agent.RunbookIndex
	if cfg.Clients.Runbooks.Endpoint != "" {
		runbooks, err := repo.NewWeaviateRunbookIndex(
			cfg.Clients.Runbooks.Endpoint,
			cfg.Clients.Runbooks.APIKey,
			cfg.Clients.Runbooks.Timeout,
			cacheProvider,
			cfg.Cache.RunbookTTL,
		)
		if err != nil {
			return engine.Stages{}, fmt.Errorf("runbook index: %w", err)
		}
		index = runbooks
	}
	planner := agent.NewRunbookPlanner(index, rules, analyzer, cfg.Pipeline.AnalysisTimeout, logger)

	dispatchers := make(map[models.RemediationMechanism]agent.Dispatcher)
	for mechanism, d := range repo.NewRemediationDispatchers(repo.RemediationEndpoints{
		InfrastructureApplyURL: cfg.Clients.Remediation.InfrastructureApplyURL,
		AutomationDocumentURL:  cfg.Clients.Remediation.AutomationDocumentURL,
		FunctionInvocationURL:  cfg.Clients.Remediation.FunctionInvocationURL,
		Token:                  cfg.Clients.Remediation.Token,
		Timeout:                cfg.Clients.Remediation.Timeout,
	}) {
		dispatchers[mechanism] = d
	}
	if len(dispatchers) == 0 {
		logger.Warn("no remediation backends configured; every action will require approval")
	}

	mechanisms := make(map[string]models.RemediationMechanism, len(cfg.Remediation.Mechanisms))
	for resourceType, m := range cfg.Remediation.Mechanisms {
		mechanisms[resourceType] = models.RemediationMechanism(m)
	}

	cooldown := ledger.NewCooldownLedger(cacheProvider, ledger.Options{
		Window:   cfg.Cooldown.Window,
		FailOpen: cfg.Cooldown.FailOpen,
		Logger:   logger,
	})

	return engine.Stages{
		Triage: agent.NewTriageAgent(history, agent.TriageOptions{
			Bucket:            cfg.Fingerprint.Bucket,
			Lookback:          cfg.Triage.Lookback,
			FlappingThreshold: cfg.Triage.FlappingThreshold,
			SeverityFloor:     cfg.Triage.SeverityFloor,
			Logger:            logger,
		}),
		Telemetry: agent.NewTelemetryAgent(coreClient, agent.TelemetryOptions{
			Window:      cfg.Telemetry.Window,
			Sensitivity: cfg.Telemetry.Sensitivity,
			Logger:      logger,
		}),
		GuardrailInputs: agent.NewGuardrailAgent(calendar, checker, coreClient, agent.GuardrailOptions{
			LookupTimeout: cfg.Clients.Core.Timeout,
			Logger:        logger,
		}),
		Risk: agent.NewRiskAgent(policy.NewBlastEstimator(cfg.Risk.BlastRadius, cfg.Risk.HealthEscalationThreshold), logger),
		Remediation: agent.NewRemediationAgent(cooldown, dispatchers, planner, agent.RemediationOptions{
			Mechanisms:          mechanisms,
			ConfidenceThreshold: cfg.Triage.ConfidenceThreshold,
			Logger:              logger,
		}),
		Communications: agent.NewCommunicationsAgent(analyzer, cfg.Pipeline.AnalysisTimeout, logger),
	}, nil
}
