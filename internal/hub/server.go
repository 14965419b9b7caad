package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/agenthub/internal/config"
	"github.com/markus-barta/agenthub/internal/store"
	"github.com/rs/zerolog"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of the hub.
type Server struct {
	cfg        *config.Config
	log        zerolog.Logger
	hub        *Hub
	journal    store.Backend
	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	limiter    *RateLimiter // nil when handshakes are unlimited
}

// New creates a hub server from a validated config. The journal is owned by
// the caller.
func New(cfg *config.Config, journal store.Backend, log zerolog.Logger) (*Server, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if journal == nil {
		journal = store.Nop{}
	}

	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		hub:     NewHub(log, opts, journal),
		journal: journal,
	}
	if cfg.HandshakeLimit > 0 {
		s.limiter = NewRateLimiter(cfg.HandshakeLimit, cfg.HandshakeWindow)
	}
	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/connections", s.handleConnections)
		r.Get("/requests", s.handleRequests)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows any origin unless allowed_origins is set. Requests
// without an Origin header come from non-browser clients and are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("rejected websocket origin")
	return false
}

// Run serves until ctx is done, then shuts down gracefully and disconnects
// every client.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("starting hub server")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.hub.CloseAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down hub server")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	// Hijacked WebSocket connections are not tracked by http.Server.
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HandshakeWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the routing hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
