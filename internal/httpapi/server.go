package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"huddle/internal/auth"
	"huddle/internal/metrics"
	"huddle/internal/ratelimit"
	"huddle/internal/relay"
	"huddle/internal/room"
	"huddle/internal/store"
	"huddle/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BanLedger exposes the persisted ban audit trail.
type BanLedger interface {
	BanEvents(ctx context.Context, limit int) ([]store.BanEvent, error)
}

// Deps are the collaborators served over HTTP. Everything except Rooms, Relay
// and Resolver is optional.
type Deps struct {
	Rooms    *room.Registry
	Relay    *relay.Relay
	Limiter  *ratelimit.Limiter
	Resolver auth.Resolver
	Quests   relay.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Bans     BanLedger
	WS       ws.Options

	// AdminToken enables the /api/admin routes when set.
	AdminToken string
	// ChatBackend is the base URL /api/chat is proxied to.
	ChatBackend string
	// TLS switches Run to HTTPS when set.
	TLS *tls.Config
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// New constructs an Echo app with websocket + REST routes.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{echo: e, deps: deps}
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() error {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)

	s.echo.GET("/api/rooms", s.handleListRooms)
	s.echo.GET("/api/rooms/:id", s.handleGetRoom)
	s.echo.POST("/api/rooms", s.handleCreateRoom, auth.Middleware(s.deps.Resolver, false), s.rateLimit())

	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	if s.deps.AdminToken != "" && s.deps.Limiter != nil {
		s.registerAdmin(s.echo.Group("/api/admin", adminAuth(s.deps.AdminToken)))
	}
	if err := s.registerChatProxy(); err != nil {
		return err
	}

	ws.NewHandler(s.deps.Relay, s.deps.Resolver, s.deps.WS, s.deps.Logger).Register(s.echo)
	return nil
}

// rateLimit guards a route with the shared limiter. It is a no-op without
// one.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	if s.deps.Limiter == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return ratelimit.Middleware(s.deps.Limiter, identityFromContext, func(d ratelimit.Decision) {
		s.deps.Metrics.RateLimitDecision(d.Kind.String())
	})
}

func identityFromContext(c echo.Context) (string, string) {
	id, ok := auth.FromContext(c)
	if !ok {
		return "", ""
	}
	return id.UserID, id.IP
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.deps.TLS != nil {
			s.echo.TLSServer.Addr = addr
			s.echo.TLSServer.TLSConfig = s.deps.TLS
			err = s.echo.StartServer(s.echo.TLSServer)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "err", v.Error)
				return nil
			}
			logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Rooms   int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.deps.Relay.ConnCount(),
		Rooms:   s.deps.Rooms.Count(),
	})
}

type stateResponse struct {
	Clients int           `json:"clients"`
	Rooms   []roomSummary `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, stateResponse{
		Clients: s.deps.Relay.ConnCount(),
		Rooms:   summarize(s.deps.Rooms.List()),
	})
}
