// Package ingest pulls events from a JetStream stream and hands them to the
// coordinator with at-least-once delivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-responder/internal/engine"
	"github.com/miradorstack/mirador-responder/internal/models"
)

const (
	defaultBatch    = 10
	defaultMaxWait  = 2 * time.Second
	defaultAckWait  = 5 * time.Minute
	defaultMaxRedel = 5
)

// Handler runs one event to completion.
type Handler interface {
	Handle(ctx context.Context, ev models.Event) (*models.Incident, error)
}

// Config names the stream, subject and durable consumer.
type Config struct {
	Stream   string
	Subject  string
	Durable  string
	Batch    int
	MaxWait  time.Duration
	AckWait  time.Duration
	MaxRedel int
}

// Consumer is a durable JetStream pull consumer with explicit acks.
type Consumer struct {
	js      nats.JetStreamContext
	sub     *nats.Subscription
	handler Handler
	cfg     Config
	logger  *slog.Logger
}

// acker is the acknowledgement surface of a JetStream message.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// NewConsumer ensures the stream and durable consumer exist and binds a pull
// subscription to them.
func NewConsumer(nc *nats.Conn, cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if nc == nil || handler == nil {
		return nil, errors.New("nats connection and handler are required")
	}
	if cfg.Stream == "" || cfg.Subject == "" || cfg.Durable == "" {
		return nil, errors.New("stream, subject and durable name are required")
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.MaxRedel <= 0 {
		cfg.MaxRedel = defaultMaxRedel
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	c := &Consumer{js: js, handler: handler, cfg: cfg, logger: logger}
	if err := c.ensureStream(); err != nil {
		return nil, err
	}
	if err := c.ensureConsumer(); err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, nats.Bind(cfg.Stream, cfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *Consumer) ensureStream() error {
	_, err := c.js.StreamInfo(c.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:      c.cfg.Stream,
			Subjects:  []string{c.cfg.Subject},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		c.logger.Info("created jetstream stream", slog.String("stream", c.cfg.Stream))
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info: %w", err)
	}
	return nil
}

func (c *Consumer) ensureConsumer() error {
	_, err := c.js.ConsumerInfo(c.cfg.Stream, c.cfg.Durable)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = c.js.AddConsumer(c.cfg.Stream, &nats.ConsumerConfig{
			Durable:       c.cfg.Durable,
			DeliverPolicy: nats.DeliverAllPolicy,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       c.cfg.AckWait,
			MaxDeliver:    c.cfg.MaxRedel,
			FilterSubject: c.cfg.Subject,
			ReplayPolicy:  nats.ReplayInstantPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("consumer info: %w", err)
	}
	return nil
}

// Run fetches and processes batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("event consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("subject", c.cfg.Subject),
		slog.String("durable", c.cfg.Durable),
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := c.sub.Fetch(c.cfg.Batch, nats.MaxWait(c.cfg.MaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return err
			}
			c.logger.Warn("fetch failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.MaxWait):
			}
			continue
		}
		for _, msg := range msgs {
			c.process(ctx, msg.Data, msg)
		}
	}
}

// Close drains the subscription.
func (c *Consumer) Close() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Drain()
}

// process acks handled and duplicate events, terminates undecodable ones and
// naks the rest for redelivery. A duplicate whose incident is still running is
// redelivered after AckWait so an interrupted run gets finalized.
func (c *Consumer) process(ctx context.Context, data []byte, msg acker) {
	ev, err := models.DecodeEvent(data)
	if err != nil {
		c.logger.Warn("dropping undecodable event", slog.Any("error", err))
		c.settle(msg.Term, "term")
		return
	}

	inc, err := c.handler.Handle(ctx, ev)
	switch {
	case err == nil:
		c.logger.Debug("event handled", slog.String("correlation_id", inc.CorrelationID), slog.String("state", string(inc.State)))
		c.settle(msg.Ack, "ack")
	case errors.Is(err, engine.ErrIncidentInProgress):
		c.settle(func(opts ...nats.AckOpt) error { return msg.NakWithDelay(c.cfg.AckWait, opts...) }, "nak")
	case errors.Is(err, engine.ErrDuplicateEvent):
		c.settle(msg.Ack, "ack")
	default:
		c.logger.Error("event handling failed", slog.String("resource_key", ev.ResourceKey()), slog.Any("error", err))
		c.settle(msg.Nak, "nak")
	}
}

func (c *Consumer) settle(fn func(...nats.AckOpt) error, kind string) {
	if err := fn(); err != nil {
		c.logger.Warn("message settle failed", slog.String("kind", kind), slog.Any("error", err))
	}
}
