// Package health serves the consumer worker's GET /health endpoint. It reads
// the persistence document but never writes it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"message-relay/internal/observability"
	"message-relay/internal/store"
	"message-relay/internal/worker"

	"github.com/sirupsen/logrus"
)

const (
	ServiceName    = "consumer-worker"
	DefaultVersion = "1.0"

	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type StatsReader interface {
	ReadStats() store.Stats
}

type StateReader interface {
	State() worker.State
}

type Config struct {
	Stats   StatsReader
	Worker  StateReader
	Metrics *observability.InMemoryMetrics
	Version string
	Now     func() time.Time
	Logger  *logrus.Entry
}

type Server struct {
	cfg    Config
	srv    *http.Server
	logger *logrus.Entry
}

func New(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("health")
	}

	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.WithField("addr", l.Addr().String()).Info("Health server started")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

type workerStatus struct {
	State         string `json:"state"`
	Received      int64  `json:"received"`
	Acked         int64  `json:"acked"`
	Rejected      int64  `json:"rejected"`
	Requeued      int64  `json:"requeued"`
	PersistFailed int64  `json:"persist_failed"`
	ConnectFailed int64  `json:"connect_failed"`
}

type persistenceStatus struct {
	FileExists    bool   `json:"file_exists"`
	TotalMessages *int   `json:"total_messages,omitempty"`
	LastUpdated   string `json:"last_updated,omitempty"`
	Error         string `json:"error,omitempty"`
}

type response struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Service     string            `json:"service"`
	Version     string            `json:"version"`
	Worker      *workerStatus     `json:"worker,omitempty"`
	Persistence persistenceStatus `json:"persistence"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body, err := s.build()
	if err != nil {
		s.logger.WithError(err).Error("Failed to build health response")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":    StatusUnhealthy,
			"timestamp": s.timestamp(),
			"error":     err.Error(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// build renders the health document. A panic from a collaborator is turned
// into an error so the caller can answer 500.
func (s *Server) build() (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()

	resp := response{
		Status:    StatusHealthy,
		Timestamp: s.timestamp(),
		Service:   ServiceName,
		Version:   s.cfg.Version,
	}

	if s.cfg.Worker != nil || s.cfg.Metrics != nil {
		ws := &workerStatus{}
		if s.cfg.Worker != nil {
			ws.State = s.cfg.Worker.State().String()
		}
		if m := s.cfg.Metrics; m != nil {
			snap := m.Snapshot()
			ws.Received = snap.Received
			ws.Acked = snap.Acked
			ws.Rejected = snap.Rejected
			ws.Requeued = snap.Requeued
			ws.PersistFailed = snap.PersistFailed
			ws.ConnectFailed = snap.ConnectFailed
		}
		resp.Worker = ws
	}

	stats := s.cfg.Stats.ReadStats()
	switch {
	case !stats.FileExists && stats.Err == nil:
		resp.Status = StatusDegraded
	case stats.Err != nil:
		resp.Persistence = persistenceStatus{FileExists: stats.FileExists, Error: stats.Err.Error()}
		resp.Status = StatusDegraded
	default:
		total := stats.TotalMessages
		resp.Persistence = persistenceStatus{FileExists: true, TotalMessages: &total, LastUpdated: "never"}
		if stats.LastUpdated != nil {
			resp.Persistence.LastUpdated = stats.LastUpdated.UTC().Format(time.RFC3339Nano)
		}
	}

	return json.MarshalIndent(resp, "", "  ")
}

func (s *Server) timestamp() string {
	return s.cfg.Now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
