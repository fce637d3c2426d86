package agent

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// RuleEngine matches incidents against a YAML rule pack to produce runbook
// steps when no earlier runbook can be recalled.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps an incident shape onto runbook steps.
type Rule struct {
	ID    string    `yaml:"id"`
	Match RuleMatch `yaml:"match"`
	Steps []string  `yaml:"steps"`
}

// RuleMatch lists optional match attributes. Empty attributes match anything.
type RuleMatch struct {
	ResourceType   string   `yaml:"resource_type"`
	Classification string   `yaml:"classification"`
	Mechanism      string   `yaml:"mechanism"`
	EventContains  []string `yaml:"event_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from path. An empty or missing path yields a nil
// engine, which recommends nothing.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the de-duplicated steps of every matching rule, in rule order.
func (e *RuleEngine) Recommend(ev models.Event, classification models.Classification, mechanism models.RemediationMechanism) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if !equalOrEmpty(rule.Match.ResourceType, ev.ResourceType) {
			continue
		}
		if !equalOrEmpty(rule.Match.Classification, string(classification)) {
			continue
		}
		if !equalOrEmpty(rule.Match.Mechanism, string(mechanism)) {
			continue
		}
		if !eventContains(rule.Match.EventContains, ev.EventName) {
			continue
		}
		e.logger.Debug("runbook rule matched", slog.String("rule", rule.ID))
		matched = appendUnique(matched, rule.Steps...)
	}
	return matched
}

func equalOrEmpty(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

func eventContains(keywords []string, eventName string) bool {
	if len(keywords) == 0 {
		return true
	}
	name := strings.ToLower(eventName)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(name, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, step := range existing {
		seen[step] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
