package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func adminAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization,
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
	})
}

func (s *Server) registerAdmin(g *echo.Group) {
	g.GET("/blocked/users", s.handleBlockedUsers)
	g.GET("/blocked/ips", s.handleBlockedIPs)
	g.GET("/blocked/accounts", s.handleBlockedAccounts)
	g.POST("/unblock/user/:id", s.handleUnblockUser)
	g.POST("/unblock/account/:id", s.handleUnblockAccount)
	g.POST("/unblock/ip/:ip", s.handleUnblockIP)
	g.POST("/block/ip", s.handleBlockIP)
	if s.deps.Bans != nil {
		g.GET("/ban-events", s.handleBanEvents)
	}
}

func (s *Server) handleBlockedUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Limiter.BlockedUsers())
}

func (s *Server) handleBlockedIPs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Limiter.BlockedIPs())
}

func (s *Server) handleBlockedAccounts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Limiter.BlockedAccounts())
}

func (s *Server) handleUnblockUser(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	s.deps.Limiter.Unblock(id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnblockAccount(c echo.Context) error {
	if !s.deps.Limiter.UnblockAccount(strings.TrimSpace(c.Param("id"))) {
		return echo.NewHTTPError(http.StatusNotFound, "account is not banned")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnblockIP(c echo.Context) error {
	if !s.deps.Limiter.UnblockIP(strings.TrimSpace(c.Param("ip"))) {
		return echo.NewHTTPError(http.StatusNotFound, "ip is not blocked")
	}
	return c.NoContent(http.StatusNoContent)
}

type blockIPRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (s *Server) handleBlockIP(c echo.Context) error {
	var req blockIPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if net.ParseIP(strings.TrimSpace(req.IP)) == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "a valid ip is required")
	}
	return c.JSON(http.StatusCreated, s.deps.Limiter.BlockIP(strings.TrimSpace(req.IP), req.Reason))
}

func (s *Server) handleBanEvents(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	events, err := s.deps.Bans.BanEvents(c.Request().Context(), limit)
	if err != nil {
		s.deps.Logger.Error("load ban events", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load ban events")
	}
	return c.JSON(http.StatusOK, events)
}
