// Package audit records the decision trail of every incident run as JSON
// lines, separate from operational logs.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/miradorstack/mirador-responder/internal/config"
)

// EventType names a decision point in an incident run.
type EventType string

const (
	EventIncidentReceived      EventType = "incident_received"
	EventDuplicateEvent        EventType = "duplicate_event"
	EventStageCompleted        EventType = "stage_completed"
	EventGateDecision          EventType = "gate_decision"
	EventRemediationDispatched EventType = "remediation_dispatched"
	EventIncidentFinalized     EventType = "incident_finalized"
)

// Entry is one audit record. Attributes carry stage-specific detail.
type Entry struct {
	Type          EventType
	CorrelationID string
	ResourceKey   string
	Stage         string
	Status        string
	Detail        string
	Attributes    map[string]any
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
	Close() error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
func (Nop) Close() error                  { return nil }

// Logger writes entries through zap.
type Logger struct {
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Recorder from configuration. A disabled audit trail yields Nop.
func New(cfg config.AuditConfig) (Recorder, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if cfg.Path == "" {
		return nil, errors.New("audit path is required when audit is enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), zapcore.InfoLevel)
	return NewWithCore(core, nil), nil
}

// NewWithCore builds a Logger over an arbitrary zap core.
func NewWithCore(core zapcore.Core, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{logger: zap.New(core), now: now}
}

// Record writes entry at info level.
func (l *Logger) Record(_ context.Context, entry Entry) {
	fields := []zap.Field{
		zap.String("event_type", string(entry.Type)),
		zap.String("correlation_id", entry.CorrelationID),
		zap.Time("recorded_at", l.now().UTC()),
	}
	if entry.ResourceKey != "" {
		fields = append(fields, zap.String("resource_key", entry.ResourceKey))
	}
	if entry.Stage != "" {
		fields = append(fields, zap.String("stage", entry.Stage))
	}
	if entry.Status != "" {
		fields = append(fields, zap.String("status", entry.Status))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if len(entry.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", entry.Attributes))
	}
	l.logger.Info("audit", fields...)
}

// Close flushes buffered entries.
func (l *Logger) Close() error {
	return l.logger.Sync()
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
}
