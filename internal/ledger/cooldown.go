package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-responder/internal/cache"
)

// DefaultWindow is the cooldown applied when none is configured.
const DefaultWindow = 5 * time.Minute

const keyPrefix = "responder:cooldown:"

// ErrLedgerUnavailable wraps every failure to read or write the ledger.
var ErrLedgerUnavailable = errors.New("cooldown ledger unavailable")

// CooldownLedger tracks the last automated remediation per resource key.
//
// By default the ledger fails closed: when the backing store cannot be read the
// resource is reported as in cooldown and reservations are refused. FailOpen
// inverts that for deployments that prefer availability of automation.
type CooldownLedger struct {
	store    cache.Provider
	window   time.Duration
	failOpen bool
	logger   *slog.Logger
}

// Options configures a CooldownLedger.
type Options struct {
	Window   time.Duration
	FailOpen bool
	Logger   *slog.Logger
}

// NewCooldownLedger builds a ledger on top of a conditional-write store.
func NewCooldownLedger(store cache.Provider, opts Options) *CooldownLedger {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CooldownLedger{store: store, window: opts.Window, failOpen: opts.FailOpen, logger: opts.Logger}
}

// Window returns the configured cooldown window.
func (l *CooldownLedger) Window() time.Duration { return l.window }

// IsInCooldown reports whether resourceKey had an automated remediation less
// than one window before now. When the ledger cannot be read the returned error
// wraps ErrLedgerUnavailable and the boolean reflects the fail policy.
func (l *CooldownLedger) IsInCooldown(ctx context.Context, resourceKey string, now time.Time) (bool, error) {
	data, err := l.store.Get(ctx, keyPrefix+resourceKey)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return l.unavailable("read", resourceKey, err)
	}
	last, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return l.unavailable("decode", resourceKey, err)
	}
	return now.Sub(last) < l.window, nil
}

// Reserve atomically claims the cooldown window for resourceKey. It returns
// false when another remediation already holds the window. Exactly one of any
// number of concurrent callers for the same key wins.
func (l *CooldownLedger) Reserve(ctx context.Context, resourceKey string, now time.Time) (bool, error) {
	ok, err := l.store.SetNX(ctx, keyPrefix+resourceKey, encode(now), l.window)
	if err != nil {
		blocked, wrapped := l.unavailable("reserve", resourceKey, err)
		return !blocked, wrapped
	}
	return ok, nil
}

// RecordRemediation stores now as the last remediation time for resourceKey.
func (l *CooldownLedger) RecordRemediation(ctx context.Context, resourceKey string, now time.Time) error {
	if err := l.store.Set(ctx, keyPrefix+resourceKey, encode(now), l.window); err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrLedgerUnavailable, resourceKey, err)
	}
	return nil
}

// Release drops a reservation whose remediation was never accepted.
func (l *CooldownLedger) Release(ctx context.Context, resourceKey string) error {
	if err := l.store.Del(ctx, keyPrefix+resourceKey); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrLedgerUnavailable, resourceKey, err)
	}
	return nil
}

func (l *CooldownLedger) unavailable(op, resourceKey string, err error) (bool, error) {
	wrapped := fmt.Errorf("%w: %s %s: %v", ErrLedgerUnavailable, op, resourceKey, err)
	l.logger.Warn("cooldown ledger unavailable",
		slog.String("op", op),
		slog.String("resource_key", resourceKey),
		slog.Bool("fail_open", l.failOpen),
		slog.Any("error", err))
	return !l.failOpen, wrapped
}

func encode(t time.Time) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano))
}
