// Package webhook implements the daemon's HTTP control surface. Every
// request except /metrics carries an HMAC-SHA256 signature of its body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/diffsyncd/internal/clock"
	"github.com/schaermu/diffsyncd/internal/config"
	"github.com/schaermu/diffsyncd/internal/delivery"
	"github.com/schaermu/diffsyncd/internal/protocol"
	"github.com/schaermu/diffsyncd/internal/snapshot"
	dsync "github.com/schaermu/diffsyncd/internal/sync"
)

// SignatureHeader carries "sha256=<hex>" of the request body.
const SignatureHeader = "X-Diffsyncd-Signature"

// DefaultDebounce is how long an upload waits for further uploads of the
// same target before it runs.
const DefaultDebounce = 2 * time.Second

// Executor runs fn on the host loop and returns its error.
type Executor interface {
	Do(ctx context.Context, fn func() error) error
}

// UploadRequest is the body of POST /upload.
type UploadRequest struct {
	Backend       string `json:"backend"`
	Target        string `json:"target"`
	File          string `json:"file"`
	Session       string `json:"session,omitempty"`
	Rate          string `json:"rate,omitempty"`
	Raw           bool   `json:"raw,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
}

// ConfigRequest is the body of POST /config. Unset fields are unchanged.
type ConfigRequest struct {
	StoreDir *string `json:"store_dir,omitempty"`
	TabWidth *int    `json:"tab_width,omitempty"`
	Rate     *string `json:"rate,omitempty"`
}

// UploadResponse reports a finished or running upload.
type UploadResponse struct {
	Status string              `json:"status"`
	Job    *delivery.JobStatus `json:"job,omitempty"`
}

// AbortResponse reports how many jobs an abort removed.
type AbortResponse struct {
	Aborted int `json:"aborted"`
}

// Server is the control HTTP server.
type Server struct {
	engine   *dsync.Engine
	loop     Executor
	logger   *slog.Logger
	secret   []byte
	addr     string
	metrics  http.Handler
	clock    clock.Clock
	debounce time.Duration

	mu         sync.Mutex
	debouncers map[snapshot.Key]*debouncer
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithDebounce sets the upload debounce delay. Zero runs uploads within
// the request and reports their outcome.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) { s.debounce = d }
}

// WithClock sets the clock driving debounce timers.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a control server. The secret is read from
// cfg.SecretFile.
func NewServer(cfg config.ServeConfig, engine *dsync.Engine, loop Executor, logger *slog.Logger, opts ...Option) (*Server, error) {
	secret, err := LoadSecret(cfg.SecretFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		engine:     engine,
		loop:       loop,
		logger:     logger,
		secret:     secret,
		addr:       cfg.ListenAddr,
		clock:      clock.Real(),
		debounce:   DefaultDebounce,
		debouncers: make(map[snapshot.Key]*debouncer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadSecret reads a shared secret file, trimming surrounding whitespace.
func LoadSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read control secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("control secret %s is empty", path)
	}
	return secret, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", s.signed(http.MethodPost, s.handleUpload))
	mux.HandleFunc("/abort", s.signed(http.MethodPost, s.handleAbort))
	mux.HandleFunc("/config", s.signed(http.MethodPost, s.handleConfig))
	mux.HandleFunc("/jobs", s.signed(http.MethodGet, s.handleJobs))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Serve serves the control API on ln, or on the configured address when
// ln is nil, until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		s.stopDebouncers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type bodyHandler func(w http.ResponseWriter, r *http.Request, body []byte)

// signed checks method and signature before passing the body on.
func (s *Server) signed(method string, next bodyHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.logger.Warn("rejecting request", "path", r.URL.Path, "method", r.Method)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
		if err != nil {
			s.logger.Error("failed to read request body", "error", err)
			http.Error(w, "Failed to read body", http.StatusInternalServerError)
			return
		}
		defer func() {
			_ = r.Body.Close()
		}()

		if !VerifySignature(s.secret, body, r.Header.Get(SignatureHeader)) {
			s.logger.Warn("rejecting request with invalid signature", "path", r.URL.Path)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}

		if len(body) > 0 && r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "Invalid content type", http.StatusBadRequest)
			return
		}

		next(w, r, body)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, body []byte) {
	var in UploadRequest
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	req, err := in.toRequest()
	if err != nil {
		writeError(w, err)
		return
	}

	if s.debounce <= 0 {
		var job *delivery.Job
		err := s.loop.Do(r.Context(), func() error {
			var err error
			job, err = s.engine.Upload(req)
			return err
		})
		if err != nil {
			s.logger.Warn("upload rejected", "target", req.Target, "error", err)
			writeError(w, err)
			return
		}
		st := job.Status()
		writeJSON(w, http.StatusOK, UploadResponse{Status: st.State, Job: &st})
		return
	}

	if err := s.engine.CheckFile(req.File); err != nil {
		s.logger.Warn("upload rejected", "target", req.Target, "error", err)
		writeError(w, err)
		return
	}

	s.logger.Info("upload accepted", "session", req.Session, "target", req.Target, "file", req.File)
	s.trigger(snapshot.KeyFor(req.Session, req.Target), req)
	writeJSON(w, http.StatusAccepted, UploadResponse{Status: "scheduled"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, _ []byte) {
	var n int
	err := s.loop.Do(r.Context(), func() error {
		n = s.engine.Abort()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AbortResponse{Aborted: n})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, body []byte) {
	var in ConfigRequest
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	var rate *delivery.Rate
	if in.Rate != nil {
		parsed, err := delivery.ParseRate(*in.Rate)
		if err != nil {
			writeError(w, err)
			return
		}
		rate = &parsed
	}

	var settings dsync.Settings
	err := s.loop.Do(r.Context(), func() error {
		if in.StoreDir != nil {
			if err := s.engine.SetStoreDir(*in.StoreDir); err != nil {
				return err
			}
		}
		if in.TabWidth != nil {
			if err := s.engine.SetTabWidth(*in.TabWidth); err != nil {
				return err
			}
		}
		if rate != nil {
			s.engine.SetDefaultRate(*rate)
		}
		settings = s.engine.Settings()
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store_dir": settings.StoreDir,
		"tab_width": settings.TabWidth,
		"rate":      settings.DefaultRate.String(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request, _ []byte) {
	writeJSON(w, http.StatusOK, s.engine.Scheduler().Registry().Status())
}

// runUpload is the debounced upload. A target still being delivered is
// retried after another debounce period.
func (s *Server) runUpload(key snapshot.Key, req dsync.Request) {
	err := s.loop.Do(context.Background(), func() error {
		_, err := s.engine.Upload(req)
		return err
	})

	var dup *delivery.DuplicateJobError
	switch {
	case errors.As(err, &dup):
		s.logger.Info("target busy, retrying upload", "target", req.Target)
		s.trigger(key, req)
	case err != nil:
		s.logger.Error("upload failed", "target", req.Target, "error", err)
	}
}

func (s *Server) trigger(key snapshot.Key, req dsync.Request) {
	s.mu.Lock()
	d, ok := s.debouncers[key]
	if !ok {
		d = &debouncer{clock: s.clock, delay: s.debounce}
		s.debouncers[key] = d
	}
	s.mu.Unlock()

	d.trigger(func() { s.runUpload(key, req) })
}

func (s *Server) stopDebouncers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.debouncers {
		d.stop()
	}
}

func (in UploadRequest) toRequest() (dsync.Request, error) {
	req := dsync.Request{
		Backend:       in.Backend,
		Target:        in.Target,
		File:          in.File,
		Session:       in.Session,
		Raw:           in.Raw,
		ProgressEvery: in.ProgressEvery,
	}
	if in.Target == "" || in.File == "" {
		return req, fmt.Errorf("%w: target and file are required", errBadRequest)
	}
	if _, err := protocol.Lookup(in.Backend); err != nil {
		return req, err
	}
	if in.Rate != "" {
		r, err := delivery.ParseRate(in.Rate)
		if err != nil {
			return req, err
		}
		req.Rate = &r
	}
	return req, nil
}

var errBadRequest = errors.New("bad request")

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var dup *delivery.DuplicateJobError
	switch {
	case errors.As(err, &dup):
		return http.StatusConflict
	case errors.Is(err, dsync.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrUnknownBackend),
		errors.Is(err, delivery.ErrInvalidRate),
		errors.Is(err, dsync.ErrNoSession),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" signature of body.
func VerifySignature(secret, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}

// debouncer runs the most recently triggered callback once no trigger
// arrived for delay.
type debouncer struct {
	mu       sync.Mutex
	clock    clock.Clock
	delay    time.Duration
	stopFn   func() bool
	callback func()
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.stopFn != nil {
		d.stopFn()
	}
	d.stopFn = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopFn != nil {
		d.stopFn()
	}
}
