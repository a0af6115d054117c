package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"huddle/internal/auth"
	"huddle/internal/protocol"
	"huddle/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const writeTimeout = 5 * time.Second

// Options tunes transport behaviour. Zero values take the defaults below.
type Options struct {
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
	// PongWait is how long a silent connection survives.
	PongWait time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	// FrameRate and FrameBurst throttle inbound frames per connection.
	// Frames over the limit are dropped before decoding.
	FrameRate  float64
	FrameBurst int
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 256 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 45 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 50
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 100
	}
	return o
}

// Handler owns websocket transport for the relay.
type Handler struct {
	relay    *relay.Relay
	resolver auth.Resolver
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler feeding r. Every upgrade is
// authenticated by resolver first.
func NewHandler(r *relay.Relay, resolver auth.Resolver, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Handler{
		relay:    r,
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(_ *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket authenticates and upgrades one request and serves it until
// disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	identity, err := h.resolver.Resolve(c)
	if err != nil {
		h.logger.Debug("websocket auth failed", "ip", c.RealIP(), "err", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, identity)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, identity auth.Identity) {
	defer conn.Close()

	conn.SetReadLimit(h.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	session := h.relay.Connect(identity)
	writerDone := make(chan struct{})
	go h.writeLoop(conn, session, writerDone)
	defer func() { <-writerDone }()
	defer h.relay.Disconnect(session)

	limiter := rate.NewLimiter(rate.Limit(h.opts.FrameRate), h.opts.FrameBurst)
	throttled := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "conn_id", session.ID, "err", err)
			}
			return
		}
		// Any frame proves liveness.
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		if !limiter.Allow() {
			throttled++
			if throttled == 1 || throttled%100 == 0 {
				h.logger.Warn("inbound frames throttled", "conn_id", session.ID, "user_id", identity.UserID, "dropped", throttled)
			}
			continue
		}

		in, err := protocol.Decode(data)
		if err != nil {
			h.relay.Reject(session, err)
			continue
		}
		h.relay.Handle(ctx, session, in)
	}
}

// writeLoop drains the session queue and keeps the connection alive with
// pings. It closes the socket when the relay marks the session dead, which
// unblocks the read loop.
func (h *Handler) writeLoop(conn *websocket.Conn, session *relay.Conn, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	dead := session.Dead()
	for {
		select {
		case frame, ok := <-session.Outbound():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", "conn_id", session.ID, "err", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-dead:
			dead = nil
			h.logger.Info("closing slow connection", "conn_id", session.ID, "user_id", session.Identity.UserID)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "outbound queue overflow"),
				time.Now().Add(writeTimeout))
			_ = conn.Close()
		}
	}
}
