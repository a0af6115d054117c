package httpapi

import (
	"fmt"
	"net/http"
	"net/url"

	"huddle/internal/auth"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// registerChatProxy forwards /api/chat/* to the AI chat backend. Every call
// is authenticated and consumes one unit of the caller's rate limit first.
func (s *Server) registerChatProxy() error {
	guard := []echo.MiddlewareFunc{auth.Middleware(s.deps.Resolver, false), s.rateLimit()}

	if s.deps.ChatBackend == "" {
		unavailable := func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "chat backend is not configured")
		}
		s.echo.Any("/api/chat/*", unavailable, guard...)
		return nil
	}

	target, err := url.Parse(s.deps.ChatBackend)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("invalid chat backend url %q", s.deps.ChatBackend)
	}

	proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: target}}),
		Rewrite:  map[string]string{"/api/chat/*": "/$1"},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Server")
			return nil
		},
	})
	g := s.echo.Group("/api/chat", guard...)
	g.Use(proxy)
	g.Any("/*", func(c echo.Context) error { return nil })
	return nil
}
