package agent

import (
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// FatalStageError aborts the incident. Only triage raises it.
type FatalStageError struct {
	Stage  models.StageName
	Reason string
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

// DegradedStageError means a signal is missing; downstream stages continue
// with fail-safe defaults.
type DegradedStageError struct {
	Stage  models.StageName
	Signal string
	Err    error
}

func (e *DegradedStageError) Error() string {
	return fmt.Sprintf("%s: %s unavailable: %v", e.Stage, e.Signal, e.Err)
}

func (e *DegradedStageError) Unwrap() error { return e.Err }

// DispatchError records an external call that could not be made.
type DispatchError struct {
	Stage  models.StageName
	Target string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: dispatch to %s failed: %v", e.Stage, e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

var errHistoryNotConfigured = errors.New("incident history not configured")

var errTelemetryNotConfigured = errors.New("telemetry source not configured")

var errNotConfigured = errors.New("not configured")
