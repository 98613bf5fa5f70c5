package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"message-relay/internal/config"
	"message-relay/internal/observability"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrBlockedTimeout is reported when the broker keeps a connection blocked
// (resource alarm) for longer than the configured timeout.
var ErrBlockedTimeout = errors.New("broker connection blocked for too long")

// AMQPDialer opens AMQP 0-9-1 connections with fixed parameters.
type AMQPDialer struct {
	url            string
	address        string
	config         amqp.Config
	blockedTimeout time.Duration
	logger         *logrus.Entry
}

func NewAMQPDialer(cfg config.BrokerConfig, logger *logrus.Entry) *AMQPDialer {
	if logger == nil {
		logger = observability.Component("broker")
	}
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("message-relay")

	return &AMQPDialer{
		url:     cfg.AMQPURL(),
		address: cfg.Address(),
		config: amqp.Config{
			Heartbeat:  cfg.Heartbeat,
			Locale:     "en_US",
			Dial:       amqp.DefaultDial(cfg.DialTimeout),
			Properties: props,
		},
		blockedTimeout: cfg.BlockedConnectionTimeout,
		logger:         logger,
	}
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Dial opens a connection and a channel on it. amqp091 dialing is not
// context aware, so a dial that completes after ctx is done is closed.
func (d *AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	done := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(d.url, d.config)
		done <- dialResult{conn: conn, err: err}
	}()

	var res dialResult
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.address, res.err)
	}

	ch, err := res.conn.Channel()
	if err != nil {
		_ = res.conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := &amqpConnection{
		conn:   res.conn,
		ch:     ch,
		closed: make(chan error, 1),
		logger: d.logger,
	}
	c.watch(d.blockedTimeout)
	return c, nil
}

type amqpConnection struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	closed    chan error
	closeOnce sync.Once
	closing   atomic.Bool
	logger    *logrus.Entry
}

// watch turns connection and channel closure, and overlong blocking, into a
// single fault on c.closed.
func (c *amqpConnection) watch(blockedTimeout time.Duration) {
	connClosed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	blocked := c.conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		stopTimer := func() {
			if timer != nil {
				timer.Stop()
				timer, timeout = nil, nil
			}
		}
		defer stopTimer()

		for {
			select {
			case err, ok := <-connClosed:
				c.fault(amqpCloseError(err, ok))
				return
			case err, ok := <-chClosed:
				c.fault(amqpCloseError(err, ok))
				_ = c.conn.Close()
				return
			case b, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				if !b.Active {
					c.logger.Info("Broker connection unblocked")
					stopTimer()
					continue
				}
				c.logger.WithField("reason", b.Reason).Warn("Broker connection blocked")
				if blockedTimeout > 0 && timer == nil {
					timer = time.NewTimer(blockedTimeout)
					timeout = timer.C
				}
			case <-timeout:
				c.logger.WithField("timeout", blockedTimeout.String()).Error("Closing connection blocked for too long")
				c.fault(ErrBlockedTimeout)
				_ = c.conn.Close()
				return
			}
		}
	}()
}

func amqpCloseError(err *amqp.Error, ok bool) error {
	if ok && err != nil {
		return err
	}
	return ErrConnectionClosed
}

func (c *amqpConnection) fault(err error) {
	if c.closing.Load() {
		return
	}
	c.closeOnce.Do(func() {
		c.closed <- err
	})
}

func (c *amqpConnection) DeclareQueue(name string) error {
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

func (c *amqpConnection) SetPrefetch(count int) error {
	if err := c.ch.Qos(count, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	return nil
}

func (c *amqpConnection) Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, queue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			d := Delivery{
				Body:         m.Body,
				DeliveryTag:  m.DeliveryTag,
				RoutingKey:   m.RoutingKey,
				MessageID:    m.MessageId,
				Redelivered:  m.Redelivered,
				Headers:      map[string]any(m.Headers),
				Acknowledger: amqpAcker{m.Acknowledger},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpConnection) Publish(ctx context.Context, queue string, msg Publishing) error {
	pub := amqp.Publishing{
		ContentType: msg.ContentType,
		MessageId:   msg.MessageID,
		Timestamp:   msg.Timestamp,
		Body:        msg.Body,
		Headers:     amqp.Table(msg.Headers),
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if err := c.ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (c *amqpConnection) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpConnection) Close() error {
	c.closing.Store(true)
	_ = c.ch.Close()
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

type amqpAcker struct {
	acker amqp.Acknowledger
}

func (a amqpAcker) Ack(tag uint64) error {
	return a.acker.Ack(tag, false)
}

func (a amqpAcker) Reject(tag uint64, requeue bool) error {
	return a.acker.Nack(tag, false, requeue)
}
