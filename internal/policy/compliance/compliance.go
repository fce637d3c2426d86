// Package compliance evaluates a Rego policy to decide whether acting on a
// resource would violate compliance rules.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// DefaultQuery is the rule set evaluated when none is configured.
const DefaultQuery = "data.responder.compliance.deny"

const defaultPolicy = `package responder.compliance

import rego.v1

deny contains msg if {
	input.event.source == "config"
	input.event.payload.complianceType == "NON_COMPLIANT"
	msg := sprintf("config rule %v reports NON_COMPLIANT", [object.get(input.event.payload, "configRuleName", "unknown")])
}

deny contains msg if {
	input.event.payload.encrypted == false
	msg := "resource storage is not encrypted"
}

deny contains msg if {
	input.event.payload.publiclyAccessible == true
	msg := "resource is publicly accessible"
}
`

// Checker evaluates a prepared deny-set query. The query must produce a set
// of strings; a non-empty set is a violation.
type Checker struct {
	query rego.PreparedEvalQuery
}

// Load compiles the Rego file at path, or the built-in policy when path is empty.
func Load(ctx context.Context, path, query string) (*Checker, error) {
	if query == "" {
		query = DefaultQuery
	}
	opts := []func(*rego.Rego){rego.Query(query)}
	if path == "" {
		opts = append(opts, rego.Module("responder_default.rego", defaultPolicy))
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("compliance policy: %w", err)
		}
		opts = append(opts, rego.Load([]string{path}, nil))
	}
	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare compliance query: %w", err)
	}
	return &Checker{query: pq}, nil
}

// Check reports whether acting on the event's resource violates policy, with
// the sorted reasons. An undefined query result is an error so callers can
// treat the signal as unknown.
func (c *Checker) Check(ctx context.Context, ev models.Event, triage *models.TriageAnalysis) (bool, []string, error) {
	if c == nil {
		return false, nil, fmt.Errorf("compliance checker not configured")
	}
	input, err := buildInput(ev, triage)
	if err != nil {
		return false, nil, err
	}
	rs, err := c.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, nil, fmt.Errorf("evaluate compliance: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil, fmt.Errorf("compliance query produced no result")
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return false, nil, fmt.Errorf("compliance query returned %T, want set of strings", rs[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(values))
	for _, v := range values {
		reasons = append(reasons, fmt.Sprint(v))
	}
	sort.Strings(reasons)
	return len(reasons) > 0, reasons, nil
}

func buildInput(ev models.Event, triage *models.TriageAnalysis) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode compliance input: %w", err)
	}
	var eventDoc map[string]any
	if err := json.Unmarshal(raw, &eventDoc); err != nil {
		return nil, fmt.Errorf("decode compliance input: %w", err)
	}
	if _, ok := eventDoc["payload"]; !ok {
		eventDoc["payload"] = map[string]any{}
	}
	input := map[string]any{
		"event":       eventDoc,
		"resourceKey": ev.ResourceKey(),
	}
	if triage != nil {
		input["classification"] = string(triage.Classification)
		input["severity"] = triage.Severity
	}
	return input, nil
}
