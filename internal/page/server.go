// Package page serves the voice call page: the HTML shell, one websocket per
// mounted page, and the health and metrics endpoints.
package page

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/codeflex/program-call/internal/call"
	"github.com/codeflex/program-call/internal/identity"
	"github.com/codeflex/program-call/internal/logging"
	"github.com/codeflex/program-call/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PagePath   = "/generate-program"
	SocketPath = "/generate-program/ws"
)

//go:embed templates/page.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html"))

// SummarySink receives the summary of every call that reaches the end
// state. Enqueue must not block; it reports false when the summary was
// dropped.
type SummarySink interface {
	Enqueue(call.Summary) bool
}

// Options configures a Server. NewProvider is required; it is called once
// per mount.
type Options struct {
	Text           Text
	NewProvider    func() call.Provider
	StartConfig    call.StartConfig
	Destination    string
	RedirectDelay  time.Duration
	AfterFunc      call.AfterFunc
	Identity       identity.Resolver
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Summaries      SummarySink
	AllowedOrigins []string
}

// Server owns the router and every live mount.
type Server struct {
	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	mounts map[*mount]struct{}
	wg     sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if opts.NewProvider == nil {
		return nil, fmt.Errorf("page: NewProvider is required")
	}
	if opts.Identity == nil {
		opts.Identity = identity.ResolverFunc(func(*http.Request) identity.Profile { return identity.Profile{} })
	}
	opts.Text = opts.Text.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		mounts: make(map[*mount]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.withMetrics("/health", s.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc(PagePath, s.withMetrics(PagePath, s.handlePage)).Methods(http.MethodGet)
	r.HandleFunc(SocketPath, s.handleSocket).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprintln(w, "OK"); err != nil {
		logging.Debugw("page: health write failed", "err", err)
	}
}

type pageData struct {
	View       View
	SocketPath string
}

// handlePage renders the idle page for the viewer. The live state arrives
// over the socket once the page mounts.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	prof := s.opts.Identity.Resolve(r)
	data := pageData{
		View:       BuildView(call.Snapshot{State: call.StateIdle}, prof, s.opts.Text),
		SocketPath: SocketPath,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		logging.Errorw("page: render failed", "err", err)
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	prof := s.opts.Identity.Resolve(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugw("page: websocket upgrade failed", "err", err)
		return
	}
	m := s.newMount(conn, prof)
	if !s.track(m) {
		m.shutdown()
		return
	}
	defer s.untrack(m)
	if s.opts.Metrics != nil {
		done := s.opts.Metrics.RecordMount()
		defer done()
	}
	m.run(s.ctx)
}

func (s *Server) track(m *mount) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.mounts[m] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(m *mount) {
	s.mu.Lock()
	delete(s.mounts, m)
	s.mu.Unlock()
	s.wg.Done()
}

// Mounts reports the number of live mounts.
func (s *Server) Mounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mounts)
}

// Close tears down every live mount and waits for them to finish, or for
// ctx to expire. Hijacked websocket connections are not covered by
// http.Server.Shutdown, so callers run both.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for m := range s.mounts {
		m.shutdown()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.AllowedOrigins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if s.opts.Metrics == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		s.opts.Metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), time.Since(start).Seconds())
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			s.opts.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
