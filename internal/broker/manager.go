package broker

import (
	"context"
	"time"

	"message-relay/internal/observability"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 5 * time.Second
)

// Manager establishes broker connections. It makes at most maxAttempts
// attempts with a fixed delay between them and then gives up with a
// *ConnectionError; retrying beyond that is the caller's decision.
type Manager struct {
	dialer      Dialer
	maxAttempts int
	retryDelay  time.Duration
	logger      *logrus.Entry
	metrics     observability.MetricsCollector
	sleep       func(ctx context.Context, d time.Duration) error
}

type ManagerConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *logrus.Entry
	Metrics     observability.MetricsCollector
}

func NewManager(dialer Dialer, cfg ManagerConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("broker")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}

	return &Manager{
		dialer:      dialer,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		sleep:       SleepContext,
	}
}

// Connect dials the broker until an attempt succeeds or attempts run out.
// Cancelling ctx aborts the sequence with ctx's error.
func (m *Manager) Connect(ctx context.Context) (Connection, error) {
	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			m.logger.WithField("attempt", attempt).Info("Connected to broker")
			return conn, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		m.metrics.IncConnectFailed()
		m.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": m.maxAttempts,
		}).Error("Connection attempt failed")

		if attempt < m.maxAttempts {
			m.logger.WithField("delay", m.retryDelay.String()).Info("Retrying connection")
			if err := m.sleep(ctx, m.retryDelay); err != nil {
				return nil, err
			}
		}
	}

	m.logger.WithField("attempts", m.maxAttempts).Error("Could not connect to broker after all attempts")
	return nil, &ConnectionError{Attempts: m.maxAttempts, Err: lastErr}
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
