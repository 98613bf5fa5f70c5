package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"message-relay/internal/broker"
	"message-relay/internal/observability"
	"message-relay/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher opens a fresh broker connection for every call. It makes a
// single dial attempt; retrying is left to the HTTP client.
type Publisher struct {
	dialer  broker.Dialer
	queue   string
	now     func() time.Time
	logger  *logrus.Entry
	metrics observability.MetricsCollector
}

type PublisherConfig struct {
	Queue   string
	Now     func() time.Time
	Logger  *logrus.Entry
	Metrics observability.MetricsCollector
}

func NewPublisher(dialer broker.Dialer, cfg PublisherConfig) *Publisher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("publisher")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	return &Publisher{
		dialer:  dialer,
		queue:   cfg.Queue,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Publish wraps content in an Envelope and publishes it persistently to the
// durable queue.
func (p *Publisher) Publish(ctx context.Context, content any) (models.Envelope, error) {
	now := p.now()
	env := models.NewEnvelope(content, now)

	if err := p.publish(ctx, env, now); err != nil {
		p.metrics.IncPublishFailed()
		p.logger.WithError(err).Error("Failed to publish message")
		return models.Envelope{}, err
	}
	p.metrics.IncPublished()
	return env, nil
}

func (p *Publisher) publish(ctx context.Context, env models.Envelope, now time.Time) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.logger.WithError(err).Warn("Failed to close broker connection")
		}
	}()

	if err := conn.DeclareQueue(p.queue); err != nil {
		return err
	}

	id := uuid.NewString()
	err = conn.Publish(ctx, p.queue, broker.Publishing{
		Body:        body,
		ContentType: "application/json",
		MessageID:   id,
		Timestamp:   now,
		Persistent:  true,
	})
	if err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"message_id": id,
		"queue":      p.queue,
		"timestamp":  env.Timestamp,
	}).Info("Message published")
	return nil
}

// Ping reports whether the broker accepts a connection right now.
func (p *Publisher) Ping(ctx context.Context) error {
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}
