// Package signalclient is the participant side of the relay websocket. It
// joins a room and feeds roster and signal events into a peer mesh.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"huddle/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 64
)

var (
	// ErrNotJoined is returned by SendSignal before the join is confirmed.
	ErrNotJoined = errors.New("signalclient: not in a room")
	// ErrQueueFull is returned when the outbound queue is saturated.
	ErrQueueFull = errors.New("signalclient: send queue full")
	// ErrClosed is returned after the connection is gone.
	ErrClosed = errors.New("signalclient: closed")
)

// JoinError is a join rejected by the relay.
type JoinError struct {
	Payload protocol.ErrorPayload
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected: %s: %s", e.Payload.Type, e.Payload.Message)
}

// Mesh receives roster and signal events. *mesh.Orchestrator implements it.
type Mesh interface {
	OnJoined(participants []string) error
	OnUserJoined(userID string) error
	OnUserLeft(userID string) error
	OnSignal(from, kind string, payload json.RawMessage) error
}

// Config describes how to reach the relay.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// UserID is sent as X-User-Id for servers in header auth mode.
	UserID string
	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Client is one websocket session with the relay.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	roomID string
	selfID string
}

// Dial opens the websocket.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.UserID != "" {
		header.Set("X-User-Id", cfg.UserID)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	c := &Client{
		conn:   conn,
		logger: cfg.Logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// SelfID is the identity the relay confirmed on join.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// RoomID is the room joined last.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Join asks to enter roomID. The outcome arrives through Run.
func (c *Client) Join(roomID, password string) error {
	return c.enqueue(protocol.TypeJoin, protocol.Join{RoomID: roomID, Password: password})
}

// Leave asks to leave the current room. Signals sent afterwards fail with
// ErrNotJoined.
func (c *Client) Leave() error {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.mu.Unlock()
	if roomID == "" {
		return ErrNotJoined
	}
	return c.enqueue(protocol.TypeLeave, protocol.Leave{RoomID: roomID})
}

// SendSignal forwards an opaque payload to one participant. It never blocks.
func (c *Client) SendSignal(targetUserID, kind string, payload json.RawMessage) error {
	roomID := c.RoomID()
	if roomID == "" {
		return ErrNotJoined
	}
	return c.enqueue(protocol.TypeSignal, protocol.Signal{
		RoomID:       roomID,
		TargetUserID: targetUserID,
		Type:         kind,
		Payload:      payload,
	})
}

// SetSpeaking reports the local speaking state.
func (c *Client) SetSpeaking(v bool) error {
	roomID := c.RoomID()
	if roomID == "" {
		return ErrNotJoined
	}
	return c.enqueue(protocol.TypeSpeaking, protocol.Toggle{RoomID: roomID, Value: v})
}

func (c *Client) enqueue(t string, payload any) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Run reads relay frames and dispatches them to m until ctx ends or the
// connection drops. A rejected join ends Run with a *JoinError.
func (c *Client) Run(ctx context.Context, m Mesh) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed frame from relay", "err", err)
			continue
		}
		if err := c.dispatch(env, m); err != nil {
			var je *JoinError
			if errors.As(err, &je) {
				c.Close()
				return err
			}
			c.logger.Warn("dispatch frame", "type", env.Type, "err", err)
		}
	}
}

func (c *Client) dispatch(env protocol.Envelope, m Mesh) error {
	switch env.Type {
	case protocol.TypeJoined:
		var p protocol.JoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.mu.Lock()
		c.roomID, c.selfID = p.RoomID, p.SelfID
		c.mu.Unlock()
		ids := make([]string, 0, len(p.Participants))
		for _, participant := range p.Participants {
			ids = append(ids, participant.UserID)
		}
		c.logger.Info("joined room", "room_id", p.RoomID, "self", p.SelfID, "participants", len(ids))
		return m.OnJoined(ids)

	case protocol.TypeUserJoined:
		var p protocol.UserJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.logger.Debug("user joined", "user_id", p.Participant.UserID)
		return m.OnUserJoined(p.Participant.UserID)

	case protocol.TypeUserLeft:
		var p protocol.UserLeftPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.logger.Debug("user left", "user_id", p.UserID)
		return m.OnUserLeft(p.UserID)

	case protocol.TypeSignal:
		var p protocol.SignalOut
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return m.OnSignal(p.From, p.Type, p.Payload)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if c.RoomID() == "" {
			return &JoinError{Payload: p}
		}
		c.logger.Warn("relay error", "type", p.Type, "message", p.Message)
		return nil

	default:
		c.logger.Debug("ignored relay frame", "type", env.Type)
		return nil
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("relay write failed", "err", err)
				c.Close()
				return
			}
		}
	}
}

// Close tears down the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}
