package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"message-relay/internal/broker"
	"message-relay/internal/observability"
	"message-relay/internal/store"
	"message-relay/pkg/models"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testQueue = "messages"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

type harness struct {
	dialer  *broker.MockDialer
	store   *store.Store
	metrics *observability.InMemoryMetrics
	worker  *Worker
	cancel  context.CancelFunc
	done    chan error

	mu     sync.Mutex
	sleeps []time.Duration
}

// newHarness builds a worker on a mock broker. A nil persister means a real
// store on an in-memory filesystem.
func newHarness(t *testing.T, persister Persister, maxRedeliveries int) *harness {
	t.Helper()

	h := &harness{
		dialer:  broker.NewMockDialer(),
		metrics: observability.NewInMemoryMetrics(),
	}
	if persister == nil {
		h.store = store.New(afero.NewMemMapFs(),
			store.Config{Path: "/app/data/persistence.json", WorkerID: "worker-1"},
			store.WithLogger(observability.NewDiscardLogger()))
		persister = h.store
	}

	manager := broker.NewManager(h.dialer, broker.ManagerConfig{
		MaxAttempts: 3,
		RetryDelay:  0,
		Logger:      observability.NewDiscardLogger(),
		Metrics:     h.metrics,
	})
	h.worker = New(manager, newTestProcessor(persister), Config{
		Queue:           testQueue,
		WorkerID:        "worker-1",
		ReconnectDelay:  10 * time.Second,
		MaxRedeliveries: maxRedeliveries,
		Logger:          observability.NewDiscardLogger(),
		Metrics:         h.metrics,
	})
	h.worker.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() {
		h.done <- h.worker.Run(ctx)
	}()
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
		return nil
	}
}

func (h *harness) reconnectDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func waitConnection(t *testing.T, d *broker.MockDialer) *broker.MockConnection {
	t.Helper()
	select {
	case conn := <-d.Connected():
		return conn
	case <-time.After(waitFor):
		t.Fatal("no connection was established")
		return nil
	}
}

func waitSettled(t *testing.T, conn *broker.MockConnection) {
	t.Helper()
	select {
	case <-conn.Settled():
	case <-time.After(waitFor):
		t.Fatal("delivery was not settled")
	}
}

func TestWorker_SetsUpDurableQueueWithPrefetchOne(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()

	conn := waitConnection(t, h.dialer)
	assert.Eventually(t, func() bool { return h.worker.State() == StateConsuming }, waitFor, tick)
	assert.Equal(t, []string{testQueue}, conn.DeclaredQueues())
	assert.Equal(t, 1, conn.PrefetchCount())

	require.NoError(t, h.stop(t))
	assert.True(t, conn.IsClosed())
	assert.Equal(t, StateShutdown, h.worker.State())
}

func TestWorker_AcksPersistedMessage(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	tag := conn.Deliver([]byte(`{"content":"hello","timestamp":"2025-06-01T11:59:00Z","source":"api-service"}`), testQueue, nil)
	waitSettled(t, conn)

	assert.Equal(t, []uint64{tag}, conn.AckedTags())
	assert.Empty(t, conn.Rejections())

	doc := h.store.Load()
	require.Len(t, doc.Messages, 1)
	rec := doc.Messages[0]
	assert.Equal(t, "hello", rec.Content())
	assert.Equal(t, "worker-1", rec.WorkerID)
	assert.Equal(t, tag, rec.DeliveryTag)
	assert.Equal(t, testQueue, rec.RoutingKey)
	assert.Equal(t, fixedNow, rec.ProcessedAt)
	assert.Equal(t, 1, doc.Stats.TotalMessages)

	assert.Eventually(t, func() bool { return h.metrics.Acked.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int64(1), h.metrics.Received.Load())

	require.NoError(t, h.stop(t))
}

func TestWorker_PersistsInDeliveryOrder(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	for _, c := range []string{"a", "b", "c"} {
		conn.Deliver([]byte(`{"content":"`+c+`"}`), testQueue, nil)
	}
	for i := 0; i < 3; i++ {
		waitSettled(t, conn)
	}

	assert.Equal(t, []uint64{1, 2, 3}, conn.AckedTags())
	var got []any
	for _, m := range h.store.Load().Messages {
		got = append(got, m.Content())
	}
	assert.Equal(t, []any{"a", "b", "c"}, got)

	require.NoError(t, h.stop(t))
}

func TestWorker_RejectsMalformedWithoutRequeue(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	first := conn.Deliver([]byte(`this is not json`), testQueue, nil)
	waitSettled(t, conn)
	second := conn.Deliver([]byte("{\"content\":\"\xff\xfe\"}"), testQueue, nil)
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{
		{Tag: first, Requeue: false},
		{Tag: second, Requeue: false},
	}, conn.Rejections())
	assert.Empty(t, conn.AckedTags())
	assert.Empty(t, h.store.Load().Messages)
	assert.False(t, h.store.ReadStats().FileExists)

	assert.Eventually(t, func() bool { return h.metrics.Rejected.Load() == 2 }, waitFor, tick)
	require.NoError(t, h.stop(t))
}

func TestWorker_RequeuesNonObjectBody(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	tag := conn.Deliver([]byte(`[1,2]`), testQueue, nil)
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{{Tag: tag, Requeue: true}}, conn.Rejections())
	assert.Empty(t, conn.AckedTags())
	assert.Empty(t, h.store.Load().Messages)
	assert.Eventually(t, func() bool { return h.metrics.Requeued.Load() == 1 }, waitFor, tick)
	assert.Zero(t, h.metrics.PersistFailed.Load())

	require.NoError(t, h.stop(t))
}

func TestWorker_NonObjectBodyDroppedAtRedeliveryLimit(t *testing.T) {
	h := newHarness(t, nil, 3)
	h.start()
	conn := waitConnection(t, h.dialer)

	below := conn.Deliver([]byte(`"x"`), testQueue, map[string]any{models.HeaderDeliveryCount: int64(1)})
	waitSettled(t, conn)
	atLimit := conn.Deliver([]byte(`"x"`), testQueue, map[string]any{models.HeaderDeliveryCount: int64(3)})
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{
		{Tag: below, Requeue: true},
		{Tag: atLimit, Requeue: false},
	}, conn.Rejections())

	require.NoError(t, h.stop(t))
}

func TestWorker_RequeuesOnStoreFailure(t *testing.T) {
	h := newHarness(t, persisterFunc(func(models.ProcessedRecord) error {
		return errors.New("read-only file system")
	}), 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	tag := conn.Deliver([]byte(`{"content":"hello"}`), testQueue, nil)
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{{Tag: tag, Requeue: true}}, conn.Rejections())
	assert.Empty(t, conn.AckedTags())
	assert.Eventually(t, func() bool { return h.metrics.Requeued.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int64(1), h.metrics.PersistFailed.Load())

	require.NoError(t, h.stop(t))
}

func TestWorker_RequeuesOnRealStoreFailure(t *testing.T) {
	s := store.New(afero.NewReadOnlyFs(afero.NewMemMapFs()),
		store.Config{Path: "/app/data/persistence.json", WorkerID: "worker-1"},
		store.WithLogger(observability.NewDiscardLogger()))
	h := newHarness(t, s, 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	tag := conn.Deliver([]byte(`{"content":"hello"}`), testQueue, nil)
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{{Tag: tag, Requeue: true}}, conn.Rejections())
	require.NoError(t, h.stop(t))
}

func TestWorker_RequeuesOnPanic(t *testing.T) {
	h := newHarness(t, persisterFunc(func(models.ProcessedRecord) error {
		panic("boom")
	}), 0)
	h.start()
	conn := waitConnection(t, h.dialer)

	tag := conn.Deliver([]byte(`{"content":"hello"}`), testQueue, nil)
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{{Tag: tag, Requeue: true}}, conn.Rejections())
	assert.Eventually(t, func() bool { return h.worker.State() == StateConsuming }, waitFor, tick)

	require.NoError(t, h.stop(t))
}

func TestWorker_RedeliveryLimit(t *testing.T) {
	h := newHarness(t, persisterFunc(func(models.ProcessedRecord) error {
		return errors.New("disk full")
	}), 3)
	h.start()
	conn := waitConnection(t, h.dialer)

	below := conn.Deliver([]byte(`{"content":"x"}`), testQueue, map[string]any{models.HeaderDeliveryCount: int64(2)})
	waitSettled(t, conn)
	atLimit := conn.Deliver([]byte(`{"content":"x"}`), testQueue, map[string]any{models.HeaderDeliveryCount: "3"})
	waitSettled(t, conn)

	assert.Equal(t, []broker.Rejection{
		{Tag: below, Requeue: true},
		{Tag: atLimit, Requeue: false},
	}, conn.Rejections())

	require.NoError(t, h.stop(t))
}

func TestWorker_ReconnectsAfterConnectionLoss(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()

	first := waitConnection(t, h.dialer)
	assert.Eventually(t, func() bool { return h.worker.State() == StateConsuming }, waitFor, tick)
	first.Drop(errors.New("connection reset by peer"))

	second := waitConnection(t, h.dialer)
	assert.True(t, first.IsClosed())
	assert.Equal(t, []time.Duration{10 * time.Second}, h.reconnectDelays())

	tag := second.Deliver([]byte(`{"content":"after reconnect"}`), testQueue, nil)
	waitSettled(t, second)
	assert.Equal(t, []uint64{tag}, second.AckedTags())
	assert.Equal(t, []string{testQueue}, second.DeclaredQueues())

	require.NoError(t, h.stop(t))
	assert.Equal(t, 2, h.dialer.Calls())
}

func TestWorker_ReconnectsWhenDeliveriesEnd(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()

	first := waitConnection(t, h.dialer)
	assert.Eventually(t, func() bool { return h.worker.State() == StateConsuming }, waitFor, tick)
	first.EndDeliveries()

	waitConnection(t, h.dialer)
	assert.True(t, first.IsClosed())

	require.NoError(t, h.stop(t))
}

func TestWorker_AckFailureForcesReconnect(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.start()

	first := waitConnection(t, h.dialer)
	first.AckFunc = func(uint64) error { return broker.ErrConnectionClosed }
	first.Deliver([]byte(`{"content":"hello"}`), testQueue, nil)

	waitConnection(t, h.dialer)
	assert.True(t, first.IsClosed())
	assert.Equal(t, int64(0), h.metrics.Acked.Load())

	require.NoError(t, h.stop(t))
}

func TestWorker_SetupFailureForcesReconnect(t *testing.T) {
	h := newHarness(t, nil, 0)

	broken := broker.NewMockConnection()
	broken.DeclareFunc = func(string) error { return errors.New("channel closed") }
	healthy := broker.NewMockConnection()
	conns := []*broker.MockConnection{broken, healthy}

	var mu sync.Mutex
	h.dialer.DialFunc = func(context.Context) (broker.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := conns[0]
		if len(conns) > 1 {
			conns = conns[1:]
		}
		return conn, nil
	}
	h.start()

	assert.Eventually(t, func() bool { return h.worker.State() == StateConsuming }, waitFor, tick)
	assert.True(t, broken.IsClosed())
	assert.Equal(t, []string{testQueue}, healthy.DeclaredQueues())

	require.NoError(t, h.stop(t))
}

func TestWorker_ConsumeContextEndsWithConnection(t *testing.T) {
	h := newHarness(t, nil, 0)

	var (
		mu       sync.Mutex
		contexts []context.Context
	)
	consume := func(ctx context.Context, _, _ string) (<-chan broker.Delivery, error) {
		mu.Lock()
		contexts = append(contexts, ctx)
		mu.Unlock()
		return make(chan broker.Delivery), nil
	}
	first := broker.NewMockConnection()
	first.ConsumeFunc = consume
	second := broker.NewMockConnection()
	second.ConsumeFunc = consume
	conns := []*broker.MockConnection{first, second}

	h.dialer.DialFunc = func(context.Context) (broker.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := conns[0]
		if len(conns) > 1 {
			conns = conns[1:]
		}
		return conn, nil
	}
	h.start()

	assert.Eventually(t, func() bool { return h.worker.State() == StateConsuming }, waitFor, tick)
	first.Drop(errors.New("connection reset by peer"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(contexts) == 2
	}, waitFor, tick)

	mu.Lock()
	firstCtx, secondCtx := contexts[0], contexts[1]
	mu.Unlock()
	assert.ErrorIs(t, firstCtx.Err(), context.Canceled, "consumer of the dropped connection is cancelled")
	assert.NoError(t, secondCtx.Err())

	require.NoError(t, h.stop(t))
	assert.Error(t, secondCtx.Err())
}

func TestWorker_ConnectExhaustionIsFatal(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.dialer.FailCount = 100
	h.start()

	select {
	case err := <-h.done:
		require.Error(t, err)
		assert.True(t, broker.IsConnectionError(err))
	case <-time.After(waitFor):
		t.Fatal("worker did not give up")
	}
	assert.Equal(t, 3, h.dialer.Calls())
	assert.Equal(t, StateError, h.worker.State())
	h.cancel()
}

func TestWorker_CancelledBeforeConnect(t *testing.T) {
	h := newHarness(t, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, h.worker.Run(ctx))
	assert.Equal(t, StateShutdown, h.worker.State())
	assert.Zero(t, h.dialer.Calls())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "consuming", StateConsuming.String())
	assert.Equal(t, "shutdown", StateShutdown.String())
	assert.Equal(t, "state(42)", State(42).String())
}
