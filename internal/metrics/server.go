package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc produces the JSON body served on /cache.
type StatusFunc func() any

// ServerOptions parameterise the ops HTTP server.
type ServerOptions struct {
	Addr    string
	Status  StatusFunc
	Started time.Time
}

// Server exposes /metrics, /health and /cache.
type Server struct {
	opts      ServerOptions
	collector *Collector
	logger    zerolog.Logger
	srv       *http.Server
}

// NewServer builds the ops server. It does not listen until Run.
func NewServer(opts ServerOptions, collector *Collector, logger zerolog.Logger) *Server {
	if opts.Started.IsZero() {
		opts.Started = time.Now().UTC()
	}
	s := &Server{
		opts:      opts,
		collector: collector,
		logger:    logger.With().Str("component", "ops_server").Logger(),
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if reg := s.collector.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/cache", s.handleCache)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.opts.Started).Seconds()),
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache inspection not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("ops server shutdown")
	}
	return nil
}
