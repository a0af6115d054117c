package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"huddle/internal/auth"
	"huddle/internal/protocol"
	"huddle/internal/quest"
	"huddle/internal/ratelimit"
	"huddle/internal/room"

	"golang.org/x/crypto/bcrypt"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeQuests struct {
	mu     sync.Mutex
	events []quest.Event
}

func (f *fakeQuests) Notify(e quest.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return true
}

func (f *fakeQuests) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	rooms  *room.Registry
	relay  *Relay
	quests *fakeQuests
}

func newHarness(t *testing.T, limiter *ratelimit.Limiter) *harness {
	t.Helper()
	rooms := room.NewRegistry(room.WithBcryptCost(bcrypt.MinCost), room.WithLogger(discard))
	q := &fakeQuests{}
	return &harness{
		rooms:  rooms,
		quests: q,
		relay: New(Config{
			Rooms:   rooms,
			Limiter: limiter,
			Quests:  q,
			Logger:  discard,
		}),
	}
}

func (h *harness) connect(userID string) *Conn {
	return h.relay.Connect(auth.Identity{UserID: userID, IP: "10.0.0." + userID})
}

func (h *harness) handle(c *Conn, in protocol.Inbound) {
	h.relay.Handle(context.Background(), c, in)
}

func (h *harness) join(t *testing.T, c *Conn, roomID, password string) protocol.Envelope {
	t.Helper()
	h.handle(c, protocol.Join{RoomID: roomID, Password: password})
	return next(t, c)
}

func next(t *testing.T, c *Conn) protocol.Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.Outbound():
		if !ok {
			t.Fatalf("connection %s closed", c.ID)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message on %s", c.Identity.UserID)
	}
	return protocol.Envelope{}
}

func expectNone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.Outbound():
		t.Fatalf("unexpected message for %s: %s", c.Identity.UserID, frame)
	default:
	}
}

func expectType(t *testing.T, env protocol.Envelope, want string) {
	t.Helper()
	if env.Type != want {
		t.Fatalf("expected %s, got %s (%s)", want, env.Type, env.Payload)
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

func TestJoinAndCapacityScenario(t *testing.T) {
	h := newHarness(t, nil)
	rm, _, err := h.rooms.CreateRoom(room.Spec{MaxParticipants: 2}, "a")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	a, b, c := h.connect("a"), h.connect("b"), h.connect("c")

	joined := h.join(t, a, rm.ID, "")
	expectType(t, joined, protocol.TypeJoined)
	if got := decode[protocol.JoinedPayload](t, joined); got.SelfID != "a" || len(got.Participants) != 1 {
		t.Fatalf("unexpected joined payload %+v", got)
	}

	expectType(t, h.join(t, b, rm.ID, ""), protocol.TypeJoined)
	uj := next(t, a)
	expectType(t, uj, protocol.TypeUserJoined)
	if got := decode[protocol.UserJoinedPayload](t, uj); got.Participant.UserID != "b" {
		t.Fatalf("expected user_joined for b, got %+v", got)
	}

	rejected := h.join(t, c, rm.ID, "")
	expectType(t, rejected, protocol.TypeError)
	if got := decode[protocol.ErrorPayload](t, rejected); got.Type != protocol.ErrorJoinFailed {
		t.Fatalf("expected join_failed, got %+v", got)
	}
	expectNone(t, a)
	expectNone(t, b)
	if _, ok := h.relay.RoomOf(c); ok {
		t.Fatal("rejected connection must not have a membership")
	}

	h.relay.Disconnect(a)
	left := next(t, b)
	expectType(t, left, protocol.TypeUserLeft)
	if got := decode[protocol.UserLeftPayload](t, left); got.UserID != "a" {
		t.Fatalf("expected user_left for a, got %+v", got)
	}
	expectNone(t, c)

	snap, err := h.rooms.Get(rm.ID)
	if err != nil {
		t.Fatalf("room should survive with one member: %v", err)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].UserID != "b" {
		t.Fatalf("expected room {b}, got %+v", snap.Participants)
	}
}

func TestPasswordErrorsGoToSenderOnly(t *testing.T) {
	h := newHarness(t, nil)
	rm, _, _ := h.rooms.CreateRoom(room.Spec{Private: true, Password: "pw"}, "host")

	host, guest := h.connect("host"), h.connect("guest")
	expectType(t, h.join(t, host, rm.ID, ""), protocol.TypeJoined)

	env := h.join(t, guest, rm.ID, "")
	if got := decode[protocol.ErrorPayload](t, env); got.Type != protocol.ErrorPasswordRequired {
		t.Fatalf("expected password_required, got %+v", got)
	}
	env = h.join(t, guest, rm.ID, "wrong")
	if got := decode[protocol.ErrorPayload](t, env); got.Type != protocol.ErrorInvalidPassword {
		t.Fatalf("expected invalid_password, got %+v", got)
	}
	expectNone(t, host)

	expectType(t, h.join(t, guest, rm.ID, "pw"), protocol.TypeJoined)
	expectType(t, next(t, host), protocol.TypeUserJoined)
}

func TestSingleMembership(t *testing.T) {
	h := newHarness(t, nil)
	roomA, _, _ := h.rooms.CreateRoom(room.Spec{}, "x")
	roomB, _, _ := h.rooms.CreateRoom(room.Spec{}, "x")

	u, w := h.connect("u"), h.connect("w")
	expectType(t, h.join(t, w, roomA.ID, ""), protocol.TypeJoined)
	expectType(t, h.join(t, u, roomA.ID, ""), protocol.TypeJoined)
	expectType(t, next(t, w), protocol.TypeUserJoined)

	expectType(t, h.join(t, u, roomB.ID, ""), protocol.TypeJoined)
	expectType(t, next(t, w), protocol.TypeUserLeft)

	if cur, _ := h.relay.RoomOf(u); cur != roomB.ID {
		t.Fatalf("expected membership in room B, got %q", cur)
	}
	if _, ok := h.rooms.Participant(roomA.ID, "u"); ok {
		t.Fatal("u must no longer be in room A")
	}
	if _, ok := h.rooms.Participant(roomB.ID, "u"); !ok {
		t.Fatal("u must be in room B")
	}
}

func TestRejectedJoinKeepsCurrentRoom(t *testing.T) {
	h := newHarness(t, nil)
	roomA, _, _ := h.rooms.CreateRoom(room.Spec{}, "x")
	roomB, _, _ := h.rooms.CreateRoom(room.Spec{MaxParticipants: 2}, "x")

	u, w := h.connect("u1"), h.connect("w")
	expectType(t, h.join(t, w, roomA.ID, ""), protocol.TypeJoined)
	expectType(t, h.join(t, u, roomA.ID, ""), protocol.TypeJoined)
	expectType(t, next(t, w), protocol.TypeUserJoined)

	b1, b2 := h.connect("b1"), h.connect("b2")
	expectType(t, h.join(t, b1, roomB.ID, ""), protocol.TypeJoined)
	expectType(t, h.join(t, b2, roomB.ID, ""), protocol.TypeJoined)
	expectType(t, next(t, b1), protocol.TypeUserJoined)

	rejected := h.join(t, u, roomB.ID, "")
	expectType(t, rejected, protocol.TypeError)
	if got := decode[protocol.ErrorPayload](t, rejected); got.Type != protocol.ErrorJoinFailed {
		t.Fatalf("expected join_failed, got %+v", got)
	}
	expectNone(t, w)
	expectNone(t, b1)
	expectNone(t, b2)

	if cur, _ := h.relay.RoomOf(u); cur != roomA.ID {
		t.Fatalf("expected membership in room A, got %q", cur)
	}
	if _, ok := h.rooms.Participant(roomA.ID, "u1"); !ok {
		t.Fatal("u1 must still be in room A")
	}

	rejected = h.join(t, u, "no-such-room", "")
	expectType(t, rejected, protocol.TypeError)
	expectNone(t, w)
	if cur, _ := h.relay.RoomOf(u); cur != roomA.ID {
		t.Fatalf("expected membership in room A after unknown room, got %q", cur)
	}
}

func TestSignalUnicastAndIsolation(t *testing.T) {
	h := newHarness(t, nil)
	rm, _, _ := h.rooms.CreateRoom(room.Spec{}, "a")
	a, b, c := h.connect("a"), h.connect("b"), h.connect("c")
	for _, conn := range []*Conn{a, b, c} {
		h.join(t, conn, rm.ID, "")
	}
	drain(a, b, c)

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	h.handle(a, protocol.Signal{RoomID: rm.ID, TargetUserID: "b", Type: protocol.SignalOffer, Payload: payload})

	env := next(t, b)
	expectType(t, env, protocol.TypeSignal)
	got := decode[protocol.SignalOut](t, env)
	if got.From != "a" || got.Type != protocol.SignalOffer || string(got.Payload) != string(payload) {
		t.Fatalf("unexpected forwarded signal %+v", got)
	}
	expectNone(t, a)
	expectNone(t, c)

	h.handle(a, protocol.Signal{RoomID: rm.ID, TargetUserID: "ghost", Type: protocol.SignalOffer, Payload: payload})
	expectNone(t, a)
	expectNone(t, b)
	expectNone(t, c)

	outsider := h.connect("z")
	h.handle(outsider, protocol.Signal{RoomID: rm.ID, TargetUserID: "b", Type: protocol.SignalOffer, Payload: payload})
	expectNone(t, b)
	expectNone(t, outsider)
}

func TestTogglesBroadcastToWholeRoom(t *testing.T) {
	h := newHarness(t, nil)
	rm, _, _ := h.rooms.CreateRoom(room.Spec{}, "a")
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, rm.ID, "")
	h.join(t, b, rm.ID, "")
	drain(a, b)

	h.handle(a, protocol.NewToggle(protocol.TypeMuteToggle, rm.ID, true))
	for _, conn := range []*Conn{a, b} {
		env := next(t, conn)
		expectType(t, env, protocol.TypeParticipantMute)
		if got := decode[protocol.ParticipantStatePayload](t, env); got.UserID != "a" || !got.Value {
			t.Fatalf("unexpected state payload %+v", got)
		}
	}
	if p, _ := h.rooms.Participant(rm.ID, "a"); !p.IsMuted {
		t.Fatal("registry not updated")
	}

	h.handle(b, protocol.Reaction{RoomID: rm.ID, Type: "clap"})
	for _, conn := range []*Conn{a, b} {
		env := next(t, conn)
		expectType(t, env, protocol.TypeReaction)
		if got := decode[protocol.ReactionOut](t, env); got.UserID != "b" || got.Type != "clap" {
			t.Fatalf("unexpected reaction %+v", got)
		}
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t, nil)
	rm, _, _ := h.rooms.CreateRoom(room.Spec{MaxParticipants: 2}, "a")
	a1, b := h.connect("a"), h.connect("b")
	h.join(t, a1, rm.ID, "")
	h.join(t, b, rm.ID, "")
	drain(a1, b)

	a2 := h.connect("a")
	expectType(t, h.join(t, a2, rm.ID, ""), protocol.TypeJoined)
	expectType(t, next(t, b), protocol.TypeUserJoined)

	if _, ok := h.relay.RoomOf(a1); ok {
		t.Fatal("replaced connection must lose its membership")
	}
	h.relay.Disconnect(a1)
	expectNone(t, b)
	if p, ok := h.rooms.Participant(rm.ID, "a"); !ok || p.ConnectionID != a2.ID {
		t.Fatalf("late disconnect evicted the reconnected user: %+v ok=%v", p, ok)
	}
}

func TestJoinRateLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lim := ratelimit.New(ratelimit.Policy{MaxMessages: 2}, ratelimit.WithClock(func() time.Time { return now }), ratelimit.WithLogger(discard))
	h := newHarness(t, lim)
	rm, _, _ := h.rooms.CreateRoom(room.Spec{}, "a")
	other, _, _ := h.rooms.CreateRoom(room.Spec{}, "a")

	a := h.connect("a")
	expectType(t, h.join(t, a, rm.ID, ""), protocol.TypeJoined)
	expectType(t, h.join(t, a, other.ID, ""), protocol.TypeJoined)

	env := h.join(t, a, rm.ID, "")
	got := decode[protocol.ErrorPayload](t, env)
	if got.Type != protocol.ErrorRateLimited || got.RetryAfter != 300 || got.BlockedUntil == nil {
		t.Fatalf("expected rate_limited with retryAfter 300, got %+v", got)
	}
	if cur, _ := h.relay.RoomOf(a); cur != other.ID {
		t.Fatalf("rate limited join must not change membership, in %q", cur)
	}
}

func TestSlowConsumerIsMarkedDead(t *testing.T) {
	rooms := room.NewRegistry(room.WithBcryptCost(bcrypt.MinCost), room.WithLogger(discard))
	r := New(Config{Rooms: rooms, Logger: discard, SendBuffer: 2})
	rm, _, _ := rooms.CreateRoom(room.Spec{MaxParticipants: 10}, "a")

	slow := r.Connect(auth.Identity{UserID: "slow"})
	r.Handle(context.Background(), slow, protocol.Join{RoomID: rm.ID})

	for i := 0; i < 5; i++ {
		c := r.Connect(auth.Identity{UserID: fmt.Sprintf("u%d", i)})
		r.Handle(context.Background(), c, protocol.Join{RoomID: rm.ID})
	}

	select {
	case <-slow.Dead():
	case <-time.After(time.Second):
		t.Fatal("slow connection was never marked dead")
	}
}

func TestQuestEvents(t *testing.T) {
	h := newHarness(t, nil)
	rm, _, _ := h.rooms.CreateRoom(room.Spec{}, "a")
	a := h.connect("a")
	h.join(t, a, rm.ID, "")
	h.handle(a, protocol.Reaction{RoomID: rm.ID, Type: "wave"})
	h.handle(a, protocol.Leave{RoomID: rm.ID})

	want := []string{quest.EventRoomJoined, quest.EventMessageSent, quest.EventRoomLeft}
	got := h.quests.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected quest events %v, got %v", want, got)
	}
}

func TestPing(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.handle(a, protocol.Ping{})
	expectType(t, next(t, a), protocol.TypePong)
}

func drain(conns ...*Conn) {
	for _, c := range conns {
		for {
			select {
			case <-c.Outbound():
				continue
			default:
			}
			break
		}
	}
}
