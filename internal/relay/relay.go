// Package relay is the signaling session layer. It tracks one room membership
// per connection, routes joins through the rate limiter and the room
// registry, and forwards opaque signaling payloads between members of a room.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"huddle/internal/auth"
	"huddle/internal/metrics"
	"huddle/internal/protocol"
	"huddle/internal/quest"
	"huddle/internal/ratelimit"
	"huddle/internal/room"
	"huddle/internal/shardmap"

	"github.com/google/uuid"
)

// Notifier receives gameplay side effects. Notify must not block.
type Notifier interface {
	Notify(e quest.Event) bool
}

// Config wires a Relay to its collaborators. Limiter, Quests and Metrics are
// optional.
type Config struct {
	Rooms      *room.Registry
	Limiter    *ratelimit.Limiter
	Quests     Notifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	SendBuffer int
}

// Relay owns every live connection.
type Relay struct {
	rooms   *room.Registry
	limiter *ratelimit.Limiter
	quests  Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
	sendBuf int

	conns      shardmap.Store[*Conn]
	membership shardmap.Store[string]
	roomLocks  shardmap.Store[*roomLock]
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a Relay over cfg.Rooms.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		rooms:      cfg.Rooms,
		limiter:    cfg.Limiter,
		quests:     cfg.Quests,
		metrics:    cfg.Metrics,
		logger:     logger,
		sendBuf:    cfg.SendBuffer,
		conns:      shardmap.New[*Conn](0),
		membership: shardmap.New[string](0),
		roomLocks:  shardmap.New[*roomLock](0),
	}
}

// Connect registers a new transport session for identity.
func (r *Relay) Connect(identity auth.Identity) *Conn {
	c := newConn(uuid.NewString(), identity, r.sendBuf)
	r.conns.Put(c.ID, c)
	r.metrics.ConnOpened()
	r.logger.Info("connection opened", "conn_id", c.ID, "user_id", identity.UserID, "ip", identity.IP)
	return c
}

// Disconnect runs the leave path for whatever room conn was in and closes
// its outbound queue. It is safe to call more than once.
func (r *Relay) Disconnect(c *Conn) {
	if !r.conns.Delete(c.ID) {
		return
	}
	if roomID, ok := r.membership.Get(c.ID); ok {
		r.leaveRoom(c, roomID)
	}
	c.close()
	r.metrics.ConnClosed()
	r.logger.Info("connection closed", "conn_id", c.ID, "user_id", c.Identity.UserID)
}

// ConnCount returns the number of live connections.
func (r *Relay) ConnCount() int { return r.conns.Len() }

// RoomOf returns the room conn is currently a member of.
func (r *Relay) RoomOf(c *Conn) (string, bool) {
	return r.membership.Get(c.ID)
}

// Handle dispatches one validated client message.
// Messages arriving after ctx is done are dropped.
func (r *Relay) Handle(ctx context.Context, c *Conn, in protocol.Inbound) {
	if ctx.Err() != nil {
		return
	}
	r.metrics.Inbound(in.Kind())

	switch m := in.(type) {
	case protocol.Join:
		r.handleJoin(c, m)
	case protocol.Leave:
		if cur, ok := r.membership.Get(c.ID); ok && cur == m.RoomID {
			r.leaveRoom(c, m.RoomID)
		}
	case protocol.Signal:
		r.handleSignal(c, m)
	case protocol.Toggle:
		r.handleToggle(c, m)
	case protocol.Reaction:
		r.handleReaction(c, m)
	case protocol.Ping:
		r.send(c, protocol.TypePong, nil)
	default:
		r.logger.Warn("unhandled message", "conn_id", c.ID, "type", in.Kind())
	}
}

// Reject reports a malformed frame from conn. The frame is dropped and the
// connection survives.
func (r *Relay) Reject(c *Conn, err error) {
	r.metrics.Malformed()
	r.logger.Warn("dropping malformed message", "conn_id", c.ID, "user_id", c.Identity.UserID, "err", err)
}

func (r *Relay) handleJoin(c *Conn, m protocol.Join) {
	userID := c.Identity.UserID
	if m.Identity != "" && m.Identity != userID {
		r.logger.Warn("join identity ignored", "conn_id", c.ID, "user_id", userID, "claimed", m.Identity)
	}

	if err := r.checkRate(c); err != nil {
		r.failJoin(c, m.RoomID, err)
		return
	}
	if err := r.rooms.VerifyPassword(m.RoomID, m.Password, userID); err != nil {
		r.failJoin(c, m.RoomID, err)
		return
	}

	// The previous room is left only once the new one has accepted the
	// insert, so a rejected join leaves membership untouched.
	prev, hadPrev := r.membership.Get(c.ID)

	unlock := r.lockRoom(m.RoomID)
	snap, replaced, err := r.rooms.Join(m.RoomID, userID, c.ID)
	if err != nil {
		unlock()
		r.failJoin(c, m.RoomID, err)
		return
	}
	r.membership.Put(c.ID, m.RoomID)
	if replaced != "" && replaced != c.ID {
		r.membership.Update(replaced, func(cur string, ok bool) (string, bool) {
			return cur, ok && cur != m.RoomID
		})
	}

	var self protocol.Participant
	participants := make([]protocol.Participant, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		wp := wireParticipant(p)
		if p.UserID == userID {
			self = wp
		}
		participants = append(participants, wp)
	}
	r.send(c, protocol.TypeJoined, protocol.JoinedPayload{RoomID: m.RoomID, SelfID: userID, Participants: participants})
	r.broadcast(snap, protocol.TypeUserJoined, protocol.UserJoinedPayload{RoomID: m.RoomID, Participant: self}, userID)
	unlock()

	if hadPrev && prev != m.RoomID {
		r.leaveRoom(c, prev)
	}

	r.metrics.Join(metricLabel(nil))
	r.notify(quest.Event{Type: quest.EventRoomJoined, UserID: userID, RoomID: m.RoomID})
	if replaced != "" && replaced != c.ID {
		r.logger.Info("connection replaced", "room_id", m.RoomID, "user_id", userID, "old_conn", replaced, "new_conn", c.ID)
	}
}

func (r *Relay) failJoin(c *Conn, roomID string, err error) {
	r.metrics.Join(metricLabel(err))
	r.logger.Info("join rejected", "conn_id", c.ID, "user_id", c.Identity.UserID, "room_id", roomID, "err", err)
	r.send(c, protocol.TypeError, errorPayload(err))
}

// checkRate consults the limiter for conn's identity.
func (r *Relay) checkRate(c *Conn) error {
	if r.limiter == nil {
		return nil
	}
	d := r.limiter.CheckAndRecord(c.Identity.UserID, c.Identity.IP)
	r.metrics.RateLimitDecision(d.Kind.String())
	return d.Err()
}

func (r *Relay) leaveRoom(c *Conn, roomID string) {
	r.membership.Update(c.ID, func(cur string, ok bool) (string, bool) {
		return cur, ok && cur != roomID
	})

	unlock := r.lockRoom(roomID)
	res := r.rooms.Leave(roomID, c.Identity.UserID, c.ID)
	if res.Removed && !res.RoomDeleted {
		if snap, err := r.rooms.Get(roomID); err == nil {
			r.broadcast(snap, protocol.TypeUserLeft, protocol.UserLeftPayload{RoomID: roomID, UserID: res.Participant.UserID}, "")
		}
	}
	unlock()

	if res.Removed {
		r.notify(quest.Event{Type: quest.EventRoomLeft, UserID: res.Participant.UserID, RoomID: roomID})
	}
}

// sender resolves which participant conn is in roomID. Membership comes from
// the relay's own table, never from the client message.
func (r *Relay) sender(c *Conn, roomID string) (room.Participant, bool) {
	cur, ok := r.membership.Get(c.ID)
	if !ok || cur != roomID {
		return room.Participant{}, false
	}
	return r.rooms.FindByConnection(roomID, c.ID)
}

func (r *Relay) handleSignal(c *Conn, m protocol.Signal) {
	from, ok := r.sender(c, m.RoomID)
	if !ok {
		r.metrics.SignalDropped()
		r.logger.Debug("signal dropped", "conn_id", c.ID, "room_id", m.RoomID, "reason", "sender not in room")
		return
	}
	target, ok := r.rooms.Participant(m.RoomID, m.TargetUserID)
	if !ok {
		r.metrics.SignalDropped()
		r.logger.Debug("signal dropped", "room_id", m.RoomID, "from", from.UserID, "target", m.TargetUserID, "reason", "target not in room")
		return
	}
	dst, ok := r.conns.Get(target.ConnectionID)
	if !ok {
		r.metrics.SignalDropped()
		r.logger.Debug("signal dropped", "room_id", m.RoomID, "from", from.UserID, "target", m.TargetUserID, "reason", "target connection gone")
		return
	}
	if r.send(dst, protocol.TypeSignal, protocol.SignalOut{From: from.UserID, Type: m.Type, Payload: m.Payload}) {
		r.metrics.SignalForwarded()
	}
}

func (r *Relay) handleToggle(c *Conn, m protocol.Toggle) {
	from, ok := r.sender(c, m.RoomID)
	if !ok {
		return
	}

	v := m.Value
	var patch room.Patch
	switch m.Kind() {
	case protocol.TypeMuteToggle:
		patch.IsMuted = &v
	case protocol.TypeSpeaking:
		patch.IsSpeaking = &v
	case protocol.TypeVideoToggle:
		patch.IsVideoEnabled = &v
	case protocol.TypeRaiseHand:
		patch.IsHandRaised = &v
	}

	unlock := r.lockRoom(m.RoomID)
	defer unlock()
	if _, ok := r.rooms.MutateParticipant(m.RoomID, from.UserID, patch); !ok {
		return
	}
	snap, err := r.rooms.Get(m.RoomID)
	if err != nil {
		return
	}
	r.broadcast(snap, m.StateType(), protocol.ParticipantStatePayload{UserID: from.UserID, Value: v}, "")
}

func (r *Relay) handleReaction(c *Conn, m protocol.Reaction) {
	from, ok := r.sender(c, m.RoomID)
	if !ok {
		return
	}
	if err := r.checkRate(c); err != nil {
		r.send(c, protocol.TypeError, errorPayload(err))
		return
	}

	unlock := r.lockRoom(m.RoomID)
	snap, err := r.rooms.Get(m.RoomID)
	if err == nil {
		r.broadcast(snap, protocol.TypeReaction, protocol.ReactionOut{UserID: from.UserID, Type: m.Type}, "")
	}
	unlock()

	r.notify(quest.Event{
		Type:   quest.EventMessageSent,
		UserID: from.UserID,
		RoomID: m.RoomID,
		Data:   map[string]any{"reaction": m.Type},
	})
}

// lockRoom serializes relay work on one room. Locks are created on demand and
// released when no goroutine holds or waits on them, so unrelated rooms never
// share a lock.
func (r *Relay) lockRoom(roomID string) (unlock func()) {
	var l *roomLock
	r.roomLocks.Update(roomID, func(cur *roomLock, ok bool) (*roomLock, bool) {
		if !ok {
			cur = &roomLock{}
		}
		cur.refs++
		l = cur
		return cur, true
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.roomLocks.Update(roomID, func(cur *roomLock, ok bool) (*roomLock, bool) {
			if !ok {
				return cur, false
			}
			cur.refs--
			return cur, cur.refs > 0
		})
	}
}

// broadcast sends to every member of snap except exceptUserID.
func (r *Relay) broadcast(snap room.Room, msgType string, payload any, exceptUserID string) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.logger.Error("encode broadcast", "type", msgType, "err", err)
		return
	}

	sent, total := 0, 0
	for _, p := range snap.Participants {
		if exceptUserID != "" && p.UserID == exceptUserID {
			continue
		}
		total++
		dst, ok := r.conns.Get(p.ConnectionID)
		if !ok {
			continue
		}
		if r.deliver(dst, frame, msgType) {
			sent++
		}
	}
	r.logger.Debug("broadcast", "type", msgType, "room_id", snap.ID, "recipients", sent, "total", total)
}

func (r *Relay) send(c *Conn, msgType string, payload any) bool {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.logger.Error("encode message", "type", msgType, "err", err)
		return false
	}
	return r.deliver(c, frame, msgType)
}

func (r *Relay) deliver(c *Conn, frame []byte, msgType string) bool {
	err := c.enqueue(frame)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errQueueFull):
		r.metrics.OutboundDropped()
		r.logger.Warn("outbound queue full, dropping connection", "conn_id", c.ID, "user_id", c.Identity.UserID, "type", msgType)
	default:
		r.logger.Debug("send to closed connection", "conn_id", c.ID, "type", msgType)
	}
	return false
}

func (r *Relay) notify(e quest.Event) {
	if r.quests == nil {
		return
	}
	r.quests.Notify(e)
}

func wireParticipant(p room.Participant) protocol.Participant {
	return protocol.Participant{
		UserID:         p.UserID,
		IsMuted:        p.IsMuted,
		IsSpeaking:     p.IsSpeaking,
		IsVideoEnabled: p.IsVideoEnabled,
		IsHandRaised:   p.IsHandRaised,
		JoinedAt:       p.JoinedAt,
	}
}
