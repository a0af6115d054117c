// Package auth turns an incoming request into an authenticated identity.
// Token issuance and account management live elsewhere; this package only
// verifies what it is handed.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is resolved once per connection or request and passed explicitly
// to every operation.
type Identity struct {
	UserID string
	IP     string
}

// Resolver authenticates a request.
type Resolver interface {
	Resolve(c echo.Context) (Identity, error)
}

// JWTResolver accepts HS256 tokens whose subject is the user id. The token is
// read from the Authorization bearer header or the "token" query parameter,
// since browsers cannot set headers on websocket upgrades.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver returns a resolver verifying tokens with secret. When issuer
// is non-empty the iss claim must match it.
func NewJWTResolver(secret []byte, issuer string) *JWTResolver {
	return &JWTResolver{secret: secret, issuer: issuer}
}

func (r *JWTResolver) Resolve(c echo.Context) (Identity, error) {
	raw := bearerToken(c.Request())
	if raw == "" {
		raw = c.QueryParam("token")
	}
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Identity{}, fmt.Errorf("%w: token without subject", ErrUnauthenticated)
	}
	return Identity{UserID: sub, IP: c.RealIP()}, nil
}

// Issue signs a token for userID. It is used by the bot command and tests.
func (r *JWTResolver) Issue(claims jwt.RegisteredClaims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = r.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HeaderResolver trusts the X-User-Id header or the "user" query parameter.
// Only use it behind a trusted proxy or in development.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(c echo.Context) (Identity, error) {
	id := strings.TrimSpace(c.Request().Header.Get("X-User-Id"))
	if id == "" {
		id = strings.TrimSpace(c.QueryParam("user"))
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: missing user id", ErrUnauthenticated)
	}
	return Identity{UserID: id, IP: c.RealIP()}, nil
}

const identityKey = "huddle.identity"

// Middleware resolves the identity and stores it on the echo context. With
// optional set, unauthenticated requests pass through without an identity.
func Middleware(r Resolver, optional bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := r.Resolve(c)
			if err != nil {
				if optional {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

// FromContext returns the identity stored by Middleware.
func FromContext(c echo.Context) (Identity, bool) {
	id, ok := c.Get(identityKey).(Identity)
	return id, ok
}
