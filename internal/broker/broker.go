// Package broker connects the relay to a durable message queue. It defines a
// small transport surface (Dialer, Connection, Delivery) with AMQP and Kafka
// drivers behind it, and the Manager that establishes connections with a
// bounded number of attempts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"message-relay/internal/config"
	"message-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

var ErrNoAcknowledger = errors.New("delivery has no acknowledger")

// Acknowledger settles deliveries on the connection that issued them.
type Acknowledger interface {
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is one message handed to a consumer. It must be settled exactly
// once with Ack or Reject.
type Delivery struct {
	Body        []byte
	DeliveryTag uint64
	RoutingKey  string
	MessageID   string
	Redelivered bool
	Headers     map[string]any

	Acknowledger Acknowledger
}

// Ack removes the delivery from the broker's unacknowledged set.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Ack(d.DeliveryTag)
}

// Reject negatively acknowledges the delivery. With requeue the broker
// delivers it again; without, it is dropped.
func (d Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Reject(d.DeliveryTag, requeue)
}

// DeliveryCount reports how many times the message was delivered before,
// as recorded in the x-delivery-count header. Zero when unknown.
func (d Delivery) DeliveryCount() int {
	v, ok := d.Headers[models.HeaderDeliveryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	case []byte:
		if i, err := strconv.Atoi(string(n)); err == nil {
			return i
		}
	}
	return 0
}

// Publishing is an outbound message.
type Publishing struct {
	Body        []byte
	ContentType string
	MessageID   string
	Timestamp   time.Time
	Persistent  bool
	Headers     map[string]any
}

// Connection is an open session with the broker.
type Connection interface {
	// DeclareQueue makes sure a durable queue exists. Declaring an existing
	// queue is a no-op.
	DeclareQueue(name string) error
	// SetPrefetch bounds the number of unsettled deliveries held at once.
	SetPrefetch(count int) error
	// Consume starts delivering messages from queue. The channel is closed
	// when ctx is done or the connection goes away.
	Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error)
	Publish(ctx context.Context, queue string, msg Publishing) error
	// NotifyClose yields at most one error when the connection is lost.
	NotifyClose() <-chan error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context) (Connection, error) {
	return f(ctx)
}

// NewDialer returns the dialer for the configured driver.
func NewDialer(cfg config.BrokerConfig, logger *logrus.Entry) (Dialer, error) {
	switch cfg.Driver {
	case config.DriverAMQP:
		return NewAMQPDialer(cfg, logger), nil
	case config.DriverKafka:
		return NewKafkaDialer(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
