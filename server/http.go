// Package server provides the HTTP server for the ingestion engine.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/bus"
	"github.com/umipu/fedingest/fetch"
	"github.com/umipu/fedingest/ingest"
	"github.com/umipu/fedingest/lock"
	"github.com/umipu/fedingest/resolver"
	"github.com/umipu/fedingest/store"
	"github.com/umipu/fedingest/store/sqlite"
	"github.com/umipu/fedingest/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken protects the resolve endpoints when set.
	AuthToken string

	// Origin is this instance's base URL, e.g. "https://social.example"
	Origin string

	// DBPath is the sqlite database file
	DBPath string

	// LockPath is the bbolt lock file
	LockPath string

	// FetchTimeout bounds a single outbound fetch
	FetchTimeout time.Duration

	// UserAgent overrides the default outbound User-Agent
	UserAgent string

	// KeyRefreshWindow bounds repeated key refreshes for one actor
	KeyRefreshWindow time.Duration

	// ActorRefreshAfter is how stale a stored actor may be before a
	// non-forced fetch goes back to the network
	ActorRefreshAfter time.Duration

	// BlockedHosts are origins whose content is refused
	BlockedHosts []string

	// MaxDepth bounds recursive reply and quote resolution
	MaxDepth int

	// AttachmentConcurrency bounds parallel attachment resolution
	AttachmentConcurrency int

	// LockLease is how long a crashed holder can leave a lock row behind
	LockLease time.Duration

	// LockSweepInterval is how often expired lock rows are pruned
	LockSweepInterval time.Duration

	// RelayURL is an optional websocket relay for cross-process
	// invalidation
	RelayURL string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the ingestion engine.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store    *sqlite.Store
	locker   *lock.BoltLocker
	janitor  *lock.Janitor
	bus      *bus.Memory
	relay    *bus.Relay
	resolver *resolver.Service
	pipeline *ingest.Pipeline

	relayCancel context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./fedingest.db"
	}
	if cfg.LockPath == "" {
		cfg.LockPath = "./fedingest.lock"
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = fetch.DefaultTimeout
	}

	classifier, err := fedingest.NewClassifier(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	lockOpts := []lock.Option{}
	if cfg.LockLease > 0 {
		lockOpts = append(lockOpts, lock.WithLease(cfg.LockLease))
	}
	locker, err := lock.Open(cfg.LockPath, lockOpts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	janitor := lock.NewJanitor(locker, lock.JanitorConfig{
		CheckInterval: cfg.LockSweepInterval,
		Logger:        cfg.Logger.With("component", "janitor"),
	})

	b := bus.NewMemory()
	var relay *bus.Relay
	if cfg.RelayURL != "" {
		relay = bus.NewRelay(cfg.RelayURL, b,
			bus.WithRelayLogger(cfg.Logger.With("component", "relay")))
	}

	objectOpts := []fetch.HTTPOption{
		fetch.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "object"),
			Timeout:   cfg.FetchTimeout,
		}),
	}
	actorOpts := []fetch.HTTPOption{
		fetch.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "actor"),
			Timeout:   cfg.FetchTimeout,
		}),
	}
	if cfg.UserAgent != "" {
		objectOpts = append(objectOpts, fetch.WithUserAgent(cfg.UserAgent))
		actorOpts = append(actorOpts, fetch.WithUserAgent(cfg.UserAgent))
	}
	objectClient := fetch.NewHTTPClient(objectOpts...)
	actorClient := fetch.NewHTTPClient(actorOpts...)

	fetcherOpts := []fetch.ActorFetcherOption{
		fetch.WithLogger(cfg.Logger.With("component", "actorfetch")),
	}
	if cfg.ActorRefreshAfter > 0 {
		fetcherOpts = append(fetcherOpts, fetch.WithRefreshAfter(cfg.ActorRefreshAfter))
	}
	fetcher := fetch.NewActorFetcher(actorClient, st, b, fetcherOpts...)

	resolverOpts := []resolver.Option{
		resolver.WithLogger(cfg.Logger.With("component", "resolver")),
		resolver.WithBus(b),
	}
	if cfg.KeyRefreshWindow > 0 {
		resolverOpts = append(resolverOpts, resolver.WithRefreshWindow(cfg.KeyRefreshWindow))
	}
	res := resolver.New(st, fetcher, classifier, resolverOpts...)

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(cfg.Logger.With("component", "ingest")),
		ingest.WithBlockedHosts(cfg.BlockedHosts),
	}
	if cfg.MaxDepth > 0 {
		pipelineOpts = append(pipelineOpts, ingest.WithMaxDepth(cfg.MaxDepth))
	}
	if cfg.AttachmentConcurrency > 0 {
		pipelineOpts = append(pipelineOpts, ingest.WithAttachmentConcurrency(cfg.AttachmentConcurrency))
	}
	pipeline := ingest.New(st, objectClient, res, locker, classifier, pipelineOpts...)

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		store:    st,
		locker:   locker,
		janitor:  janitor,
		bus:      b,
		relay:    relay,
		resolver: res,
		pipeline: pipeline,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // Resolution can recurse through slow origins
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Post resolution: ingest by URI or pushed document
	mux.HandleFunc("POST /v1/resolve", s.handleResolve)

	// Actor resolution
	mux.HandleFunc("GET /v1/actors", s.handleActor)

	// Signing-pair resolution for inbound signature verification
	mux.HandleFunc("GET /v1/signing-actor", s.handleSigningActor)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// resolveRequest is the body of POST /v1/resolve. Exactly one of URI or
// Document must be set; a document means push delivery, a bare URI means
// this instance fetches anonymously.
type resolveRequest struct {
	URI      string              `json:"uri,omitempty"`
	Document *fedingest.Document `json:"document,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "resolve")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.SetResult(r, telemetry.ResolveRejected)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.URI == "") == (req.Document == nil) {
		telemetry.SetResult(r, telemetry.ResolveRejected)
		writeError(w, http.StatusBadRequest, "exactly one of uri or document is required")
		return
	}

	var value any
	if req.Document != nil {
		value = req.Document
	} else {
		value = req.URI
	}

	post, err := s.pipeline.ResolvePost(r.Context(), value)
	if err != nil {
		telemetry.SetResult(r, resultForError(err))
		s.writeResolveError(w, r, err)
		return
	}
	if post == nil {
		// The document was a poll vote; it was recorded, no post exists.
		telemetry.SetResult(r, telemetry.ResolveVote)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"recorded":"vote"}`))
		return
	}

	telemetry.SetResult(r, telemetry.ResolvePersisted)
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "actor")

	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri query parameter is required")
		return
	}

	actor, err := s.resolver.ResolveActor(r.Context(), uri)
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	if actor == nil {
		writeError(w, http.StatusNotFound, "actor not found")
		return
	}

	writeJSON(w, http.StatusOK, actor)
}

func (s *Server) handleSigningActor(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "signing-actor")

	actorURI := r.URL.Query().Get("actor")
	keyID := r.URL.Query().Get("keyId")
	if actorURI == "" && keyID == "" {
		writeError(w, http.StatusBadRequest, "actor or keyId query parameter is required")
		return
	}

	var (
		signing *resolver.SigningActor
		err     error
	)
	if actorURI == "" {
		signing, err = s.resolver.ResolveSigningActorByKeyID(r.Context(), keyID)
	} else {
		signing, err = s.resolver.ResolveSigningActor(r.Context(), actorURI, keyID)
	}
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	if signing == nil {
		writeError(w, http.StatusNotFound, "signer not resolvable")
		return
	}
	if signing.Actor == nil {
		// Known deleted.
		writeError(w, http.StatusGone, "actor is deleted")
		return
	}

	writeJSON(w, http.StatusOK, signing)
}

// resultForError tags a resolution failure for logging and metrics.
func resultForError(err error) telemetry.ResolveResult {
	if fetch.Temporary(err) {
		return telemetry.ResolveError
	}
	return telemetry.ResolveRejected
}

// writeResolveError maps resolution failures onto HTTP statuses. Permanent
// rejections get 4xx so callers stop retrying; temporary failures get 502.
func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		blocked   *fedingest.BlockedHostError
		malformed *fedingest.MalformedReferenceError
		invalid   *fedingest.ValidationError
		suspended *fedingest.AuthorSuspendedError
		local     *fedingest.LocalResolutionError
		status    *fetch.StatusError
	)

	switch {
	case errors.As(err, &blocked):
		writeError(w, http.StatusUnavailableForLegalReasons, blocked.Error())
	case errors.As(err, &malformed):
		writeError(w, http.StatusBadRequest, malformed.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, invalid.Error())
	case errors.As(err, &suspended):
		writeError(w, http.StatusForbidden, suspended.Error())
	case errors.As(err, &local):
		writeError(w, http.StatusNotFound, local.Error())
	case errors.Is(err, ingest.ErrDepthExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &status) && status.IsGone():
		writeError(w, http.StatusNotFound, status.Error())
	case errors.As(err, &status) && status.IsClientError():
		writeError(w, http.StatusUnprocessableEntity, status.Error())
	case fetch.Temporary(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("resolution failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set operation and result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Result != "" {
			attrs = append(attrs, "result", string(tags.Result))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	if err := s.janitor.Start(context.Background()); err != nil {
		return fmt.Errorf("starting lock janitor: %w", err)
	}

	if s.relay != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.relayCancel = cancel
		go func() {
			if err := s.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("relay stopped", "error", err)
			}
		}()
	}

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.config.Origin)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.relayCancel != nil {
		s.relayCancel()
	}
	s.janitor.Stop()
	s.resolver.Close()
	s.bus.Close()

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.locker.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
