package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// IdentityFunc extracts the caller identity and address from a request. An
// empty identity skips the check.
type IdentityFunc func(c echo.Context) (identity, ip string)

// DecisionHook observes every decision taken by the middleware.
type DecisionHook func(Decision)

// RejectionBody is the JSON body written for rejected requests.
type RejectionBody struct {
	Error        string     `json:"error"`
	Reason       string     `json:"reason,omitempty"`
	RetryAfter   int64      `json:"retryAfter,omitempty"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	ForceLogout  bool       `json:"forceLogout,omitempty"`
}

// Middleware consults l before the wrapped handler runs. Rate limited calls
// get 429 with Retry-After; blocked callers get 403 with the ban details.
func Middleware(l *Limiter, identify IdentityFunc, hooks ...DecisionHook) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, ip := identify(c)
			if identity == "" {
				return next(c)
			}
			d := l.CheckAndRecord(identity, ip)
			for _, h := range hooks {
				h(d)
			}
			if d.Allowed() {
				return next(c)
			}
			status, body := Rejection(d)
			if d.Kind == RateLimited {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
			}
			return c.JSON(status, body)
		}
	}
}

// Rejection maps a non-Allow decision to an HTTP status and response body.
func Rejection(d Decision) (int, RejectionBody) {
	body := RejectionBody{Error: d.Kind.String(), Reason: d.Reason}
	if d.Kind == RateLimited {
		body.RetryAfter = int64(math.Ceil(d.RetryAfter.Seconds()))
		return http.StatusTooManyRequests, body
	}
	if !d.Until.IsZero() {
		until := d.Until.UTC()
		body.BlockedUntil = &until
	}
	if be, ok := d.Err().(*BlockedError); ok {
		body.ForceLogout = be.ForceLogout
	}
	return http.StatusForbidden, body
}
