// Package worker runs the Delivery Loop: it keeps a broker connection alive,
// consumes one message at a time and acknowledges a message only once it has
// been persisted.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"message-relay/internal/broker"
	"message-relay/internal/observability"

	"github.com/sirupsen/logrus"
)

const DefaultReconnectDelay = 10 * time.Second

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateConsuming
	StateError
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateError:
		return "error"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connector hands out broker connections; *broker.Manager is the production
// implementation.
type Connector interface {
	Connect(ctx context.Context) (broker.Connection, error)
}

type Config struct {
	Queue           string
	WorkerID        string
	ReconnectDelay  time.Duration
	MaxRedeliveries int
	Logger          *logrus.Entry
	Metrics         observability.MetricsCollector
}

// Worker is the Delivery Loop.
type Worker struct {
	connector       Connector
	processor       *Processor
	queue           string
	consumerTag     string
	reconnectDelay  time.Duration
	maxRedeliveries int
	logger          *logrus.Entry
	metrics         observability.MetricsCollector
	state           atomic.Int32
	sleep           func(ctx context.Context, d time.Duration) error
}

func New(connector Connector, processor *Processor, cfg Config) *Worker {
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("worker")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}

	return &Worker{
		connector:       connector,
		processor:       processor,
		queue:           cfg.Queue,
		consumerTag:     cfg.WorkerID,
		reconnectDelay:  cfg.ReconnectDelay,
		maxRedeliveries: cfg.MaxRedeliveries,
		logger:          cfg.Logger.WithField("worker_id", cfg.WorkerID),
		metrics:         cfg.Metrics,
		sleep:           broker.SleepContext,
	}
}

// State is safe to call from any goroutine.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if prev := State(w.state.Swap(int32(s))); prev != s {
		w.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("Worker state changed")
	}
}

// Run consumes until ctx is cancelled, reconnecting after every connection
// fault. It returns nil on shutdown and a *broker.ConnectionError when the
// broker could not be reached within the connector's attempt budget.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithField("queue", w.queue).Info("Starting consumer worker")

	for {
		w.setState(StateDisconnected)
		conn, err := w.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.shutdown(nil)
				return nil
			}
			w.setState(StateError)
			return err
		}
		w.setState(StateConnected)

		err = w.consume(ctx, conn)
		if ctx.Err() != nil {
			w.shutdown(conn)
			return nil
		}

		w.setState(StateError)
		w.logger.WithError(err).Error("Connection fault")
		w.closeConn(conn)

		w.logger.WithField("delay", w.reconnectDelay.String()).Info("Reconnecting")
		if err := w.sleep(ctx, w.reconnectDelay); err != nil {
			w.shutdown(nil)
			return nil
		}
	}
}

func (w *Worker) shutdown(conn broker.Connection) {
	w.setState(StateShutdown)
	w.logger.Info("Shutting down consumer worker")
	if conn != nil {
		w.closeConn(conn)
	}
}

func (w *Worker) closeConn(conn broker.Connection) {
	if err := conn.Close(); err != nil {
		w.logger.WithError(err).Warn("Failed to close broker connection")
	}
}

// consume sets up the queue and handles deliveries until the connection
// faults or ctx is cancelled. The returned error is never nil.
func (w *Worker) consume(ctx context.Context, conn broker.Connection) error {
	if err := conn.DeclareQueue(w.queue); err != nil {
		return err
	}
	if err := conn.SetPrefetch(1); err != nil {
		return err
	}
	// cctx ends with this call, which stops the driver's forwarding goroutine.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	deliveries, err := conn.Consume(cctx, w.queue, w.consumerTag)
	if err != nil {
		return err
	}

	w.setState(StateConsuming)
	w.logger.WithField("queue", w.queue).Info("Waiting for messages")

	closed := conn.NotifyClose()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			if err == nil {
				err = broker.ErrConnectionClosed
			}
			return fmt.Errorf("connection lost: %w", err)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("delivery channel closed by broker")
			}
			if err := w.handle(d); err != nil {
				return err
			}
		}
	}
}

// handle settles exactly one delivery. The returned error is a settlement
// failure, which means the connection is no longer usable.
func (w *Worker) handle(d broker.Delivery) error {
	w.metrics.IncReceived()
	logger := w.logger.WithFields(logrus.Fields{
		"delivery_tag": d.DeliveryTag,
		"routing_key":  d.RoutingKey,
		"message_id":   d.MessageID,
		"redelivered":  d.Redelivered,
	})
	logger.Info("Received message")

	err := w.process(d)
	switch {
	case err == nil:
		if err := d.Ack(); err != nil {
			return fmt.Errorf("failed to ack delivery %d: %w", d.DeliveryTag, err)
		}
		w.metrics.IncAcked()
		logger.Info("Message persisted and acknowledged")
		return nil

	case broker.IsPermanent(err):
		logger.WithError(err).Warn("Rejecting malformed message")
		return w.reject(d, false)

	default:
		if broker.IsRetryable(err) {
			w.metrics.IncPersistFailed()
		}
		requeue := true
		if w.maxRedeliveries > 0 && d.DeliveryCount() >= w.maxRedeliveries {
			requeue = false
			logger = logger.WithField("delivery_count", d.DeliveryCount())
		}
		if requeue {
			logger.WithError(err).Error("Processing failed, requeueing message")
		} else {
			logger.WithError(err).Error("Processing failed and redelivery limit reached, dropping message")
		}
		return w.reject(d, requeue)
	}
}

func (w *Worker) process(d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing delivery %d: %v", d.DeliveryTag, r)
		}
	}()
	return w.processor.Process(d)
}

func (w *Worker) reject(d broker.Delivery, requeue bool) error {
	if err := d.Reject(requeue); err != nil {
		return fmt.Errorf("failed to reject delivery %d: %w", d.DeliveryTag, err)
	}
	if requeue {
		w.metrics.IncRequeued()
	} else {
		w.metrics.IncRejected()
	}
	return nil
}
