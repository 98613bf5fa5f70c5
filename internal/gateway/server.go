// Package gateway is the producer side of the relay: an authenticated HTTP
// API that publishes JSON messages to the broker queue.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"message-relay/internal/observability"
	"message-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	ServiceName    = "api-service"
	DefaultVersion = "1.0"

	maxBodyBytes = 1 << 20
)

// MessagePublisher is what the HTTP handlers need from the broker side.
type MessagePublisher interface {
	Publish(ctx context.Context, content any) (models.Envelope, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Users map[string]string
	// Metrics, when set, are reported by GET /health.
	Metrics *observability.InMemoryMetrics
	Version string
	Now     func() time.Time
	Logger  *logrus.Entry
}

type Server struct {
	publisher MessagePublisher
	users     map[string]string
	metrics   *observability.InMemoryMetrics
	version   string
	now       func() time.Time
	srv       *http.Server
	logger    *logrus.Entry
}

func New(publisher MessagePublisher, cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("gateway")
	}

	mux := http.NewServeMux()
	s := &Server{
		publisher: publisher,
		users:     cfg.Users,
		metrics:   cfg.Metrics,
		version:   cfg.Version,
		now:       cfg.Now,
		logger:    cfg.Logger,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /message", s.requireAuth(http.HandlerFunc(s.handleMessage)))
	mux.Handle("GET /status", s.requireAuth(http.HandlerFunc(s.handleStatus)))
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
	s.logger.WithField("addr", l.Addr().String()).Info("Gateway listening")

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

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.authenticate(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Authentication Required"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(user, pass string) bool {
	want, ok := s.users[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Content-Type must be application/json"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	req, err := models.DecodeObject(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body must be a JSON object"})
		return
	}
	content, ok := req["message"]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `field "message" is required`})
		return
	}

	if _, err := s.publisher.Publish(r.Context(), content); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "failed to publish message",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":    "success",
		"message":   "message sent successfully",
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"timestamp": s.timestamp(),
		"service":   ServiceName,
		"version":   s.version,
		"rabbitmq":  "connected",
	}
	if s.metrics != nil {
		resp["published"] = s.metrics.Published.Load()
		resp["publish_failed"] = s.metrics.PublishFailed.Load()
	}
	if err := s.publisher.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Broker unreachable")
		resp["rabbitmq"] = "disconnected"
		resp["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.publisher.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"rabbitmq_connection": "disconnected",
			"timestamp":           s.timestamp(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"rabbitmq_connection": "connected",
		"timestamp":           s.timestamp(),
	})
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
