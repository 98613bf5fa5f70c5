package worker

import (
	"errors"
	"fmt"
	"time"

	"message-relay/internal/broker"
	"message-relay/internal/observability"
	"message-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

// Persister durably records a processed message. A nil error means the
// record is on disk.
type Persister interface {
	Append(rec models.ProcessedRecord) error
}

// Processor turns a delivery into a ProcessedRecord and persists it.
type Processor struct {
	store    Persister
	workerID string
	now      func() time.Time
	logger   *logrus.Entry
}

type ProcessorOption func(*Processor)

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

func WithProcessorLogger(logger *logrus.Entry) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

func NewProcessor(store Persister, workerID string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		workerID: workerID,
		now:      time.Now,
		logger:   observability.Component("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process parses the body as a JSON object, stamps it with consumption
// metadata and appends it to the store. A body that does not parse yields a
// *broker.PermanentError and a store failure a *broker.RetryableError. Valid
// JSON that is not an object cannot be stamped; that error is unclassified.
func (p *Processor) Process(d broker.Delivery) error {
	payload, err := models.DecodeObject(d.Body)
	if errors.Is(err, models.ErrNotObject) {
		return fmt.Errorf("cannot decorate message body: %w", err)
	}
	if err != nil {
		return &broker.PermanentError{Err: fmt.Errorf("invalid message body: %w", err)}
	}

	rec := models.NewProcessedRecord(payload, p.now(), p.workerID, d.DeliveryTag, d.RoutingKey)
	if err := p.store.Append(rec); err != nil {
		return &broker.RetryableError{Err: fmt.Errorf("failed to persist message: %w", err)}
	}

	p.logger.WithFields(logrus.Fields{
		"delivery_tag": d.DeliveryTag,
		"routing_key":  d.RoutingKey,
		"content":      rec.Content(),
	}).Debug("Message processed successfully")
	return nil
}
