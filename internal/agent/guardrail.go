package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/policy"
)

// GuardrailOptions configure the guardrail lookups.
type GuardrailOptions struct {
	LookupTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// GuardrailAgent gathers the change window, compliance and SLO signals in
// parallel. A failed lookup leaves its signal unknown; it never fails the stage.
type GuardrailAgent struct {
	calendar   ChangeCalendar
	compliance ComplianceChecker
	slo        SLOChecker
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewGuardrailAgent builds the guardrail-inputs stage. Any collaborator may be
// nil; its signal is then always unknown.
func NewGuardrailAgent(calendar ChangeCalendar, compliance ComplianceChecker, slo SLOChecker, opts GuardrailOptions) *GuardrailAgent {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardrailAgent{
		calendar:   calendar,
		compliance: compliance,
		slo:        slo,
		timeout:    opts.LookupTimeout,
		now:        opts.Now,
		logger:     logger,
	}
}

func (a *GuardrailAgent) Stage() models.StageName { return models.StageGuardrailInputs }

func (a *GuardrailAgent) Run(ctx context.Context, rc *RunContext) (any, error) {
	ev := rc.Event()
	triage, _ := rc.Triage()

	var (
		mu  sync.Mutex
		out models.GuardrailInputs
	)
	fail := func(signal string, err error) {
		a.logger.Warn("guardrail lookup failed", slog.String("signal", signal), slog.Any("error", err))
		mu.Lock()
		out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", signal, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		if a.calendar == nil {
			fail(policy.FactorChangeWindow, errNotConfigured)
			return nil
		}
		blocked := a.calendar.Blocked(a.now())
		mu.Lock()
		out.ChangeWindowBlocked = &blocked
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		if a.compliance == nil {
			fail(policy.FactorCompliance, errNotConfigured)
			return nil
		}
		lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		violation, reasons, err := a.compliance.Check(lookupCtx, ev, triage)
		if err != nil {
			fail(policy.FactorCompliance, err)
			return nil
		}
		mu.Lock()
		out.ComplianceViolation = &violation
		out.ComplianceReasons = reasons
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		if a.slo == nil {
			fail(policy.FactorSLO, errNotConfigured)
			return nil
		}
		lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		status, err := a.slo.FetchSLOStatus(lookupCtx, ev.ResourceType, ev.ResourceID)
		if err != nil {
			fail(policy.FactorSLO, err)
			return nil
		}
		exhausted := status.Exhausted
		mu.Lock()
		out.SLOExhausted = &exhausted
		mu.Unlock()
		return nil
	})
	_ = g.Wait()
	return out, nil
}
