// Package projection maps incidents onto persisted records and guards the
// workflow state machine.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/store"
)

var (
	// ErrInvalidTransition is returned for backward or post-terminal transitions.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrNotTerminal is returned by Finalize for a non-terminal incident.
	ErrNotTerminal = errors.New("incident is not in a terminal state")
)

// IncidentStore is the persistence the projection needs.
type IncidentStore interface {
	Create(ctx context.Context, rec store.IncidentRecord) error
	Update(ctx context.Context, rec store.IncidentRecord) error
	Get(ctx context.Context, correlationID string) (store.IncidentRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (store.IncidentRecord, error)
	ListByResource(ctx context.Context, resourceKey string, from, to time.Time) ([]store.IncidentRecord, error)
}

// Projection writes incidents through to the store.
type Projection struct {
	store IncidentStore
	now   func() time.Time
}

// New returns a projection over s. now may be nil.
func New(s IncidentStore, now func() time.Time) *Projection {
	if now == nil {
		now = time.Now
	}
	return &Projection{store: s, now: now}
}

// Begin claims the incident's fingerprint. When another incident already owns
// it, that incident is returned and nothing is written.
func (p *Projection) Begin(ctx context.Context, inc *models.Incident) (*models.Incident, error) {
	if inc.State != models.StateReceived {
		return nil, fmt.Errorf("%w: begin from %s", ErrInvalidTransition, inc.State)
	}
	rec, err := ToRecord(inc)
	if err != nil {
		return nil, err
	}
	err = p.store.Create(ctx, rec)
	if errors.Is(err, store.ErrFingerprintExists) {
		existing, getErr := p.store.GetByFingerprint(ctx, string(inc.Fingerprint))
		if getErr != nil {
			return nil, fmt.Errorf("load duplicate incident: %w", getErr)
		}
		return FromRecord(existing)
	}
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	return nil, nil
}

// Transition moves inc to state and persists it.
func (p *Projection) Transition(ctx context.Context, inc *models.Incident, to models.WorkflowState) error {
	if !inc.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.State, to)
	}
	inc.State = to
	inc.UpdatedAt = p.now().UTC()
	return p.save(ctx, inc)
}

// Finalize stamps a terminal incident and persists its final form.
func (p *Projection) Finalize(ctx context.Context, inc *models.Incident) error {
	if !inc.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, inc.State)
	}
	now := p.now().UTC()
	inc.UpdatedAt = now
	if inc.FinalizedAt == nil {
		inc.FinalizedAt = &now
	}
	return p.save(ctx, inc)
}

// Save persists inc without changing its state.
func (p *Projection) Save(ctx context.Context, inc *models.Incident) error {
	inc.UpdatedAt = p.now().UTC()
	return p.save(ctx, inc)
}

// Load returns the stored incident.
func (p *Projection) Load(ctx context.Context, correlationID string) (*models.Incident, error) {
	rec, err := p.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec)
}

// ListByResource returns stored incidents for a resource key whose event time
// falls in [from, to].
func (p *Projection) ListByResource(ctx context.Context, resourceKey string, from, to time.Time) ([]models.Incident, error) {
	recs, err := p.store.ListByResource(ctx, resourceKey, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]models.Incident, 0, len(recs))
	for _, rec := range recs {
		inc, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, nil
}

func (p *Projection) save(ctx context.Context, inc *models.Incident) error {
	rec, err := ToRecord(inc)
	if err != nil {
		return err
	}
	if err := p.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("update incident %s: %w", inc.CorrelationID, err)
	}
	return nil
}

// ToRecord flattens inc into its persisted columns.
func ToRecord(inc *models.Incident) (store.IncidentRecord, error) {
	payload, err := json.Marshal(inc)
	if err != nil {
		return store.IncidentRecord{}, fmt.Errorf("marshal incident: %w", err)
	}
	rec := store.IncidentRecord{
		CorrelationID:  inc.CorrelationID,
		Fingerprint:    string(inc.Fingerprint),
		ResourceKey:    inc.ResourceKey,
		Source:         string(inc.Event.Source),
		EventName:      inc.Event.EventName,
		State:          string(inc.State),
		Severity:       inc.Severity,
		Classification: string(inc.Classification),
		Suppressed:     inc.Suppressed,
		Payload:        string(payload),
		EventAt:        store.Millis(inc.Event.Timestamp),
		ReceivedAt:     store.Millis(inc.ReceivedAt),
		UpdatedAt:      store.Millis(inc.UpdatedAt),
	}
	if inc.Risk != nil {
		rec.RiskScore = sql.NullFloat64{Float64: inc.Risk.Score, Valid: true}
	}
	if inc.Remediation != nil {
		rec.ApprovalRequired = inc.Remediation.ApprovalRequired
		rec.RemediationStatus = string(inc.Remediation.Status)
	}
	if inc.FinalizedAt != nil {
		rec.FinalizedAt = sql.NullInt64{Int64: store.Millis(*inc.FinalizedAt), Valid: true}
	}
	return rec, nil
}

// FromRecord restores the incident held in rec's payload. Stage analyses come
// back as generic JSON values.
func FromRecord(rec store.IncidentRecord) (*models.Incident, error) {
	var inc models.Incident
	if err := json.Unmarshal([]byte(rec.Payload), &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", rec.CorrelationID, err)
	}
	return &inc, nil
}
