// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/aiku/telewp/pkg/bridge/database"
)

// Server defaults.
const (
	DefaultListenAddress   = ":29318"
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShutdownTimeout = 10 * time.Second
)

type serverPipeline interface {
	Ingest(ctx context.Context, payload []byte) (IngestResult, error)
	SweepNow(ctx context.Context) (int, error)
}

type serverStore interface {
	CountStates(ctx context.Context) ([]database.StateCount, error)
}

// ServerOpts configures the HTTP surface.
type ServerOpts struct {
	ListenAddress string
	// Secret is the shared path secret on the webhook and admin routes.
	Secret string
	// MaxBodyBytes caps webhook body size.
	MaxBodyBytes int64
}

// Server is the bridge's HTTP surface: the Telegram webhook, health and
// metrics, and a small admin API. The webhook and admin routes carry a
// path secret instead of auth headers because Telegram can only be pointed
// at a bare URL.
type Server struct {
	log      zerolog.Logger
	pipeline serverPipeline
	store    serverStore
	metrics  *Metrics

	listen  string
	secret  string
	maxBody int64
	router  *mux.Router
}

// NewServer wires the HTTP surface. The secret must be non-empty; routes
// guarded by it reject everything otherwise.
func NewServer(pipeline *Pipeline, store *Store, metrics *Metrics, log zerolog.Logger, opts ServerOpts) *Server {
	if opts.ListenAddress == "" {
		opts.ListenAddress = DefaultListenAddress
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		log:      log.With().Str("component", "server").Logger(),
		pipeline: pipeline,
		store:    store,
		metrics:  metrics,

		listen:  opts.ListenAddress,
		secret:  opts.Secret,
		maxBody: opts.MaxBodyBytes,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/webhook/{secret}", s.handleWebhook).Methods(http.MethodPost).Name("webhook")
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet).Name("healthz")
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet).Name("metrics")
	r.HandleFunc("/admin/{secret}/requeue", s.handleRequeue).Methods(http.MethodPost).Name("admin_requeue")
	r.HandleFunc("/admin/{secret}/status", s.handleStatus).Methods(http.MethodGet).Name("admin_status")
	return r
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.listen).Msg("Webhook server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument tags each request with an id, counts it, and logs it. The URL
// path is deliberately never logged: it contains the webhook secret.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()
		log := s.log.With().Str("request_id", reqID).Logger()
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(log.WithContext(r.Context())))

		name := "unrouted"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		s.metrics.HTTPRequests.WithLabelValues(name, r.Method, strconv.Itoa(rec.status)).Inc()
		log.Debug().
			Str("handler", name).
			Str("method", r.Method).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	secret := mux.Vars(r)["secret"]
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "forbidden"})
		return false
	}
	return true
}

// handleWebhook receives one Telegram update.
//
// The response code picks who owns the failure. A 200 with ok=false
// acknowledges payloads that can never become events, so Telegram stops
// redelivering them. A 5xx means admission did not become durable; Telegram
// keeps redelivering until it does, which is what gives the bridge its
// at-least-once guarantee.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.checkSecret(w, r) {
		return
	}
	log := zerolog.Ctx(r.Context())

	body, err := readBody(w, r, s.maxBody)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook body")
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unreadable body"})
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), body)
	if err != nil {
		if ne, ok := AsNormalizationError(err); ok {
			log.Warn().Err(ne).Msg("Discarding unprocessable update")
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": ne.Detail})
			return
		}
		log.Err(err).Msg("Failed to admit update, requesting redelivery")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "admission failed"})
		return
	}

	resp := map[string]any{"ok": true}
	if res.Skipped {
		resp["skipped"] = true
	} else {
		resp["events"] = res.Events
		resp["queued"] = res.Queued
		if res.Duplicates > 0 {
			resp["duplicates"] = res.Duplicates
		}
		if res.InProgress > 0 {
			resp["in_progress"] = res.InProgress
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.store.CountStates(ctx); err != nil {
		zerolog.Ctx(r.Context()).Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if !s.checkSecret(w, r) {
		return
	}
	requeued, err := s.pipeline.SweepNow(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Err(err).Msg("Manual requeue failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "requeued": requeued})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkSecret(w, r) {
		return
	}
	counts, err := s.store.CountStates(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Err(err).Msg("Status query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false})
		return
	}
	states := make(map[string]int, len(counts))
	for _, sc := range counts {
		key := string(sc.State)
		if sc.State == database.StateFailed && sc.Terminal {
			key = "failed_terminal"
		}
		states[key] += sc.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "records": states})
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
