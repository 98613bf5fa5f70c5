package broker

import (
	"context"
	"fmt"
	"sync"
)

// MockDialer is a Dialer for tests. The first FailCount dials fail; each
// successful dial hands out a fresh MockConnection.
type MockDialer struct {
	mu        sync.Mutex
	DialFunc  func(ctx context.Context) (Connection, error)
	FailCount int
	calls     int
	conns     []*MockConnection
	connected chan *MockConnection
}

func NewMockDialer() *MockDialer {
	return &MockDialer{
		connected: make(chan *MockConnection, 16),
	}
}

func (m *MockDialer) Dial(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	m.calls++
	calls := m.calls
	dialFunc := m.DialFunc
	m.mu.Unlock()

	if dialFunc != nil {
		return dialFunc(ctx)
	}
	if calls <= m.FailCount {
		return nil, fmt.Errorf("simulated dial failure %d", calls)
	}

	conn := NewMockConnection()
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	select {
	case m.connected <- conn:
	default:
	}
	return conn, nil
}

// Calls returns the number of Dial invocations so far.
func (m *MockDialer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Connections returns the connections handed out so far.
func (m *MockDialer) Connections() []*MockConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*MockConnection, len(m.conns))
	copy(conns, m.conns)
	return conns
}

// Connected yields each connection as it is handed out.
func (m *MockDialer) Connected() <-chan *MockConnection {
	return m.connected
}

type PublishedMessage struct {
	Queue string
	Msg   Publishing
}

type Rejection struct {
	Tag     uint64
	Requeue bool
}

// MockConnection records everything done through it. Tests feed deliveries
// with Deliver and simulate transport loss with Drop.
type MockConnection struct {
	mu          sync.RWMutex
	DeclareFunc func(name string) error
	ConsumeFunc func(ctx context.Context, queue, consumer string) (<-chan Delivery, error)
	PublishFunc func(ctx context.Context, queue string, msg Publishing) error
	AckFunc     func(tag uint64) error
	RejectFunc  func(tag uint64, requeue bool) error

	Declared  []string
	Prefetch  int
	Consumers []string
	Published []PublishedMessage
	Acked     []uint64
	Rejected  []Rejection

	deliveries chan Delivery
	closeCh    chan error
	closed     bool
	nextTag    uint64
	settled    chan struct{}
}

func NewMockConnection() *MockConnection {
	return &MockConnection{
		deliveries: make(chan Delivery, 16),
		closeCh:    make(chan error, 1),
		settled:    make(chan struct{}, 64),
	}
}

func (m *MockConnection) DeclareQueue(name string) error {
	if m.DeclareFunc != nil {
		if err := m.DeclareFunc(name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Declared = append(m.Declared, name)
	return nil
}

func (m *MockConnection) SetPrefetch(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prefetch = count
	return nil
}

func (m *MockConnection) Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, queue, consumer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Consumers = append(m.Consumers, consumer)
	return m.deliveries, nil
}

func (m *MockConnection) Publish(ctx context.Context, queue string, msg Publishing) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, queue, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, PublishedMessage{Queue: queue, Msg: msg})
	return nil
}

func (m *MockConnection) NotifyClose() <-chan error {
	return m.closeCh
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConnection) Ack(tag uint64) error {
	defer m.settle()
	if m.AckFunc != nil {
		if err := m.AckFunc(tag); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = append(m.Acked, tag)
	return nil
}

func (m *MockConnection) Reject(tag uint64, requeue bool) error {
	defer m.settle()
	if m.RejectFunc != nil {
		if err := m.RejectFunc(tag, requeue); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected = append(m.Rejected, Rejection{Tag: tag, Requeue: requeue})
	return nil
}

func (m *MockConnection) settle() {
	select {
	case m.settled <- struct{}{}:
	default:
	}
}

// Deliver queues a delivery with the next delivery tag and returns the tag.
func (m *MockConnection) Deliver(body []byte, routingKey string, headers map[string]any) uint64 {
	m.mu.Lock()
	m.nextTag++
	tag := m.nextTag
	m.mu.Unlock()

	m.deliveries <- Delivery{
		Body:         body,
		DeliveryTag:  tag,
		RoutingKey:   routingKey,
		Headers:      headers,
		Acknowledger: m,
	}
	return tag
}

// Settled yields once per Ack or Reject.
func (m *MockConnection) Settled() <-chan struct{} {
	return m.settled
}

// Drop simulates the transport going away.
func (m *MockConnection) Drop(err error) {
	m.closeCh <- err
}

// EndDeliveries closes the delivery channel as a broker-side cancel would.
func (m *MockConnection) EndDeliveries() {
	close(m.deliveries)
}

func (m *MockConnection) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *MockConnection) AckedTags() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.Acked))
	copy(out, m.Acked)
	return out
}

func (m *MockConnection) Rejections() []Rejection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rejection, len(m.Rejected))
	copy(out, m.Rejected)
	return out
}

func (m *MockConnection) PublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PublishedMessage, len(m.Published))
	copy(out, m.Published)
	return out
}

func (m *MockConnection) DeclaredQueues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.Declared))
	copy(out, m.Declared)
	return out
}

func (m *MockConnection) PrefetchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Prefetch
}
