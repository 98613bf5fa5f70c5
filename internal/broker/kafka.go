package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"message-relay/internal/config"
	"message-relay/internal/observability"
	"message-relay/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaDialer maps the queue contract onto a Kafka topic read by a consumer
// group. Topics stand in for queues.
type KafkaDialer struct {
	brokers []string
	groupID string
	dialer  *kafka.Dialer
	logger  *logrus.Entry
}

func NewKafkaDialer(cfg config.BrokerConfig, logger *logrus.Entry) *KafkaDialer {
	if logger == nil {
		logger = observability.Component("broker")
	}
	return &KafkaDialer{
		brokers: cfg.KafkaBrokers,
		groupID: cfg.KafkaGroupID,
		dialer:  &kafka.Dialer{Timeout: cfg.DialTimeout, DualStack: true},
		logger:  logger,
	}
}

// Dial checks that a broker answers metadata requests; reader and writer
// connections are opened lazily by kafka-go.
func (d *KafkaDialer) Dial(ctx context.Context) (Connection, error) {
	if len(d.brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	var lastErr error
	for _, addr := range d.brokers {
		conn, err := d.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = fmt.Errorf("failed to connect to broker %s: %w", addr, err)
			continue
		}
		_, err = conn.ReadPartitions()
		_ = conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read partitions from %s: %w", addr, err)
			continue
		}

		return &kafkaConnection{
			brokers:   d.brokers,
			groupID:   d.groupID,
			dialer:    d.dialer,
			newReader: newKafkaReader,
			writer: &kafka.Writer{
				Addr:                   kafka.TCP(d.brokers...),
				Balancer:               &kafka.LeastBytes{},
				RequiredAcks:           kafka.RequireAll,
				WriteTimeout:           10 * time.Second,
				ReadTimeout:            10 * time.Second,
				AllowAutoTopicCreation: false,
			},
			pending: make(map[uint64]pendingMessage),
			closed:  make(chan error, 1),
			logger:  d.logger,
		}, nil
	}
	return nil, lastErr
}

// kafkaReader is the part of *kafka.Reader the driver uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaWriter is the part of *kafka.Writer the driver uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newKafkaReader(cfg kafka.ReaderConfig) kafkaReader {
	return kafka.NewReader(cfg)
}

type pendingMessage struct {
	msg     kafka.Message
	settled chan struct{}
}

type kafkaConnection struct {
	brokers   []string
	groupID   string
	dialer    *kafka.Dialer
	newReader func(cfg kafka.ReaderConfig) kafkaReader
	writer    kafkaWriter
	prefetch  int

	mu      sync.Mutex
	reader  kafkaReader
	pending map[uint64]pendingMessage
	nextTag atomic.Uint64

	closed    chan error
	closeOnce sync.Once
	closing   atomic.Bool
	logger    *logrus.Entry
}

func (c *kafkaConnection) fault(err error) {
	if c.closing.Load() {
		return
	}
	c.closeOnce.Do(func() {
		c.closed <- err
	})
}

// DeclareQueue creates the topic on the controller. An existing topic is
// left as it is.
func (c *kafkaConnection) DeclareQueue(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	ctrl, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to declare topic %s: %w", name, err)
	}
	return nil
}

func (c *kafkaConnection) timeout() time.Duration {
	if c.dialer != nil && c.dialer.Timeout > 0 {
		return c.dialer.Timeout
	}
	return 10 * time.Second
}

// SetPrefetch only records the bound: deliveries are fetched one at a time
// and the next fetch waits for the previous delivery to be settled.
func (c *kafkaConnection) SetPrefetch(count int) error {
	if count < 1 {
		return fmt.Errorf("prefetch must be at least 1, got %d", count)
	}
	c.prefetch = count
	return nil
}

func (c *kafkaConnection) Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return nil, errors.New("already consuming")
	}

	c.reader = c.newReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        c.groupID,
		Topic:          queue,
		Dialer:         c.dialer,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // commits are synchronous
		StartOffset:    kafka.FirstOffset,
	})

	out := make(chan Delivery)
	go c.fetch(ctx, c.reader, consumer, out)
	return out, nil
}

func (c *kafkaConnection) fetch(ctx context.Context, reader kafkaReader, consumer string, out chan<- Delivery) {
	defer close(out)
	logger := c.logger.WithField("consumer", consumer)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closing.Load() {
				return
			}
			logger.WithError(err).Error("Failed to fetch message")
			c.fault(fmt.Errorf("failed to fetch message: %w", err))
			return
		}

		tag := c.nextTag.Add(1)
		settled := make(chan struct{})
		c.mu.Lock()
		c.pending[tag] = pendingMessage{msg: m, settled: settled}
		c.mu.Unlock()

		headers := fromKafkaHeaders(m.Headers)
		d := Delivery{
			Body:         m.Value,
			DeliveryTag:  tag,
			RoutingKey:   m.Topic,
			MessageID:    headerString(headers, models.HeaderMessageID),
			Headers:      headers,
			Acknowledger: c,
		}
		d.Redelivered = d.DeliveryCount() > 0

		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConnection) take(tag uint64) (pendingMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[tag]
	if !ok {
		return pendingMessage{}, fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.pending, tag)
	return p, nil
}

// Ack commits the message offset.
func (c *kafkaConnection) Ack(tag uint64) error {
	p, err := c.take(tag)
	if err != nil {
		return err
	}
	defer close(p.settled)

	if err := c.reader.CommitMessages(context.Background(), p.msg); err != nil {
		c.fault(fmt.Errorf("failed to commit message: %w", err))
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// Reject with requeue republishes the message to the end of its topic with
// the delivery count incremented, then commits the original. If the
// republish fails nothing is committed and the connection is faulted so the
// consumer restarts from the last committed offset.
func (c *kafkaConnection) Reject(tag uint64, requeue bool) error {
	p, err := c.take(tag)
	if err != nil {
		return err
	}
	defer close(p.settled)

	if requeue {
		count := Delivery{Headers: fromKafkaHeaders(p.msg.Headers)}.DeliveryCount() + 1
		retry := kafka.Message{
			Topic:   p.msg.Topic,
			Key:     p.msg.Key,
			Value:   p.msg.Value,
			Headers: withHeader(p.msg.Headers, models.HeaderDeliveryCount, strconv.Itoa(count)),
			Time:    time.Now(),
		}
		if err := c.writer.WriteMessages(context.Background(), retry); err != nil {
			c.fault(fmt.Errorf("failed to requeue message: %w", err))
			return fmt.Errorf("failed to requeue message: %w", err)
		}
	}

	if err := c.reader.CommitMessages(context.Background(), p.msg); err != nil {
		c.fault(fmt.Errorf("failed to commit message: %w", err))
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

func (c *kafkaConnection) Publish(ctx context.Context, queue string, msg Publishing) error {
	headers := make(map[string]any, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.MessageID != "" {
		headers[models.HeaderMessageID] = msg.MessageID
	}
	if msg.ContentType != "" {
		headers[models.HeaderContentType] = msg.ContentType
	}

	m := kafka.Message{
		Topic:   queue,
		Key:     []byte(msg.MessageID),
		Value:   msg.Body,
		Headers: toKafkaHeaders(headers),
		Time:    msg.Timestamp,
	}
	if err := c.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (c *kafkaConnection) NotifyClose() <-chan error {
	return c.closed
}

func (c *kafkaConnection) Close() error {
	c.closing.Store(true)

	var errs []error
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader != nil {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader: %w", err))
		}
	}
	if err := c.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
	}
	return errors.Join(errs...)
}

func fromKafkaHeaders(hs []kafka.Header) map[string]any {
	headers := make(map[string]any, len(hs))
	for _, h := range hs {
		headers[h.Key] = string(h.Value)
	}
	return headers
}

func toKafkaHeaders(headers map[string]any) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(fmt.Sprint(v))})
	}
	return out
}

func withHeader(hs []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(hs)+1)
	for _, h := range hs {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

func headerString(headers map[string]any, key string) string {
	if s, ok := headers[key].(string); ok {
		return s
	}
	return ""
}
