// Package server exposes the world over HTTP: a bearer-protected trigger that
// runs one day, live progress as Server-Sent Events, and read access to the
// world clock, inhabitants and journal.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/foresta/internal/clock"
	"github.com/danshapiro/foresta/internal/orchestrator"
	"github.com/danshapiro/foresta/internal/world"
)

// RunFunc runs one cycle, reporting progress to sink.
type RunFunc func(ctx context.Context, sink func(map[string]any)) (*orchestrator.Result, error)

// Store is the read side of the world plus the pause switch.
type Store interface {
	GetWorld(ctx context.Context) (world.World, error)
	SetPaused(ctx context.Context, paused bool) error
	ListLivingCharacters(ctx context.Context) ([]world.Character, error)
	GetJournal(ctx context.Context, day int) (world.JournalEntry, error)
	ListJournal(ctx context.Context, limit int) ([]world.JournalEntry, error)
}

// Config holds server configuration. Secret guards every mutating endpoint;
// with an empty Secret those endpoints refuse all callers.
type Config struct {
	Addr   string
	Secret string
	Run    RunFunc
	Store  Store
	Clock  clock.Clock
	Logger *log.Logger
	NewID  func() string
	// RetainRuns caps the finished runs kept for the status API.
	RetainRuns int
}

// Server is the HTTP front of one simulation instance.
type Server struct {
	config   Config
	registry *RunRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
	clock    clock.Clock
	newID    func() string

	mu      sync.Mutex
	running sync.WaitGroup
}

func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		registry: NewRunRegistry(cfg.RetainRuns),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   cfg.Logger,
		clock:    clock.OrReal(cfg.Clock),
		newID:    cfg.NewID,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if s.newID == nil {
		s.newID = func() string { return ulid.Make().String() }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /cycles", s.requireSecret(s.handleTriggerCycle))
	mux.HandleFunc("GET /cycles", s.handleListCycles)
	mux.HandleFunc("GET /cycles/{id}", s.handleGetCycle)
	mux.HandleFunc("GET /cycles/{id}/events", s.handleCycleEvents)
	mux.HandleFunc("GET /world", s.handleGetWorld)
	mux.HandleFunc("POST /world/pause", s.requireSecret(s.handleSetPaused(true)))
	mux.HandleFunc("POST /world/resume", s.requireSecret(s.handleSetPaused(false)))
	mux.HandleFunc("GET /characters", s.handleListCharacters)
	mux.HandleFunc("GET /journal", s.handleListJournal)
	mux.HandleFunc("GET /journal/{day}", s.handleGetJournal)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Printf("received %s, shutting down...", sig)
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Schedule triggers a cycle every interval until the server shuts down.
func (s *Server) Schedule(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.baseCtx.Done():
				return
			case <-t.C:
				if _, err := s.StartCycle("schedule"); err != nil {
					s.logger.Printf("scheduled cycle: %v", err)
				}
			}
		}
	}()
}

// StartCycle launches a cycle in the background and returns its run.
func (s *Server) StartCycle(trigger string) (*CycleRun, error) {
	if s.config.Run == nil {
		return nil, errors.New("no cycle runner configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return nil, errors.New("server is shutting down")
	}
	cr := newCycleRun(s.newID(), trigger, s.clock.Now())
	if err := s.registry.Register(cr); err != nil {
		return nil, err
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		res, err := s.config.Run(context.WithoutCancel(s.baseCtx), cr.Broadcaster.Send)
		switch {
		case err != nil:
			s.logger.Printf("cycle %s: %v", cr.RunID, err)
		case res.Success:
			s.logger.Printf("cycle %s: day %d complete", cr.RunID, res.Day)
		default:
			s.logger.Printf("cycle %s: day %d not run: %s", cr.RunID, res.Day, res.Error)
		}
		cr.SetResult(res, err)
	}()
	return cr, nil
}

// csrfProtect rejects cross-origin POST requests. Callers without an Origin
// header (CLI, cron) and localhost origins pass.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if origin := r.Header.Get("Origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops accepting requests and waits up to 15 seconds for running
// cycles to finish. Cycles are never interrupted.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Printf("shutdown: cycles still running: %v", shutdownCtx.Err())
	}
}
