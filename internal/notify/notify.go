// Package notify delivers incident notifications to their audiences.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-responder/internal/models"
)

const defaultFlushTimeout = 2 * time.Second

// Message is the wire form of a published notification.
type Message struct {
	Audience string    `json:"audience"`
	Channel  string    `json:"channel"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

// NATSPublisher publishes each request on <prefix>.<channel>.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewNATSPublisher builds a publisher over an established connection.
func NewNATSPublisher(nc *nats.Conn, subjectPrefix string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		return nil, errors.New("notification subject prefix is required")
	}
	return &NATSPublisher{nc: nc, prefix: prefix, timeout: defaultFlushTimeout, now: time.Now}, nil
}

// Subject returns the subject a channel publishes on.
func (p *NATSPublisher) Subject(channel string) string {
	return p.prefix + "." + channel
}

// Send publishes req and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Send(ctx context.Context, req models.DispatchRequest) (bool, error) {
	if req.Channel == "" {
		return false, errors.New("notification channel is empty")
	}
	data, err := json.Marshal(Message{
		Audience: req.Audience,
		Channel:  req.Channel,
		Message:  req.Message,
		SentAt:   p.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("encode notification: %w", err)
	}
	if err := p.nc.Publish(p.Subject(req.Channel), data); err != nil {
		return false, fmt.Errorf("publish notification: %w", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.nc.FlushWithContext(flushCtx); err != nil {
		return false, fmt.Errorf("flush notification: %w", err)
	}
	return true, nil
}

// LogSink writes notifications to the operational log. It is used when no
// broker is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send logs req and always accepts it.
func (s *LogSink) Send(_ context.Context, req models.DispatchRequest) (bool, error) {
	s.logger.Info("notification",
		slog.String("audience", req.Audience),
		slog.String("channel", req.Channel),
		slog.String("message", req.Message),
	)
	return true, nil
}
