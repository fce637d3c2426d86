package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

const testRules = `
rules:
  - id: ec2-stop
    match:
      resource_type: ec2
      event_contains: ["stop"]
    steps:
      - start instance
      - verify status checks
  - id: critical
    match:
      classification: CRITICAL
    steps:
      - page owner
      - start instance
  - id: lambda-only
    match:
      mechanism: function_invocation
    steps:
      - roll back alias
`

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o600))
	return path
}

func TestRuleEngineRecommend(t *testing.T) {
	engine, err := NewRuleEngine(writeRules(t), nil)
	require.NoError(t, err)

	steps := engine.Recommend(testEvent(), models.ClassificationCritical, models.MechanismAutomationDocument)
	assert.Equal(t, []string{"start instance", "verify status checks", "page owner"}, steps)

	assert.Empty(t, engine.Recommend(models.Event{ResourceType: "rds", EventName: "RebootDBInstance"}, models.ClassificationLow, models.MechanismAutomationDocument))
}

func TestRuleEngineMissingFile(t *testing.T) {
	engine, err := NewRuleEngine(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Nil(t, engine)
	assert.Nil(t, engine.Recommend(testEvent(), models.ClassificationHigh, models.MechanismAutomationDocument))

	engine, err = NewRuleEngine("", nil)
	require.NoError(t, err)
	assert.Nil(t, engine)
}

type fakeIndex struct {
	records []repo.RunbookRecord
	stored  []repo.RunbookRecord
}

func (f *fakeIndex) SimilarRunbooks(context.Context, string, string, int) ([]repo.RunbookRecord, error) {
	return f.records, nil
}

func (f *fakeIndex) StoreRunbook(_ context.Context, rec repo.RunbookRecord) error {
	f.stored = append(f.stored, rec)
	return nil
}

func TestRunbookPlannerPrecedence(t *testing.T) {
	engine, err := NewRuleEngine(writeRules(t), nil)
	require.NoError(t, err)
	ev := testEvent()
	triage := &models.TriageAnalysis{Classification: models.ClassificationMedium}

	recalled := &fakeIndex{records: []repo.RunbookRecord{{Steps: []string{"recalled step"}}}}
	steps, narrative := NewRunbookPlanner(recalled, engine, nil, 0, nil).Plan(context.Background(), ev, triage, nil, models.MechanismAutomationDocument)
	assert.Equal(t, []string{"recalled step"}, steps)
	assert.Contains(t, narrative, "approval is required")

	steps, _ = NewRunbookPlanner(&fakeIndex{}, engine, nil, 0, nil).Plan(context.Background(), ev, triage, nil, models.MechanismAutomationDocument)
	assert.Equal(t, []string{"start instance", "verify status checks"}, steps)

	steps, _ = NewRunbookPlanner(nil, nil, nil, 0, nil).Plan(context.Background(), ev, triage, nil, models.MechanismFunctionInvocation)
	assert.Equal(t, defaultSteps[models.MechanismFunctionInvocation], steps)
}

func TestRunbookPlannerRemember(t *testing.T) {
	idx := &fakeIndex{}
	p := NewRunbookPlanner(idx, nil, nil, 0, nil)
	p.Remember(context.Background(), "corr-1", testEvent(), models.MechanismAutomationDocument, []string{"a"}, eventTime)
	p.Remember(context.Background(), "corr-2", testEvent(), models.MechanismAutomationDocument, nil, eventTime)

	require.Len(t, idx.stored, 1)
	assert.Equal(t, "StopInstances", idx.stored[0].EventName)
	assert.Equal(t, "automation_document", idx.stored[0].Mechanism)
}
