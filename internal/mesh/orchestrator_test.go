package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTrack string

func (t fakeTrack) ID() string { return string(t) }

type fakePC struct {
	mu         sync.Mutex
	remote     string
	state      SignalingState
	offers     int
	remoteSets int
	candidates []Candidate
	tracks     []string
	closed     bool
	failOffer  bool
}

func (p *fakePC) CreateOffer() (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOffer {
		return Description{}, errors.New("boom")
	}
	p.offers++
	return Description{Type: SignalOffer, SDP: fmt.Sprintf("offer-%s-%d", p.remote, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != SignalingHaveRemoteOffer {
		return Description{}, errors.New("no remote offer")
	}
	return Description{Type: SignalAnswer, SDP: "answer-" + p.remote}, nil
}

func (p *fakePC) SetLocalDescription(d Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case SignalOffer:
		p.state = SignalingHaveLocalOffer
	case SignalAnswer:
		if p.state != SignalingHaveRemoteOffer {
			return errors.New("answer without remote offer")
		}
		p.state = SignalingStable
	case "rollback":
		p.state = SignalingStable
	default:
		return fmt.Errorf("unexpected type %q", d.Type)
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(d Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case SignalOffer:
		if p.state != SignalingStable {
			return errors.New("offer in wrong state")
		}
		p.state = SignalingHaveRemoteOffer
	case SignalAnswer:
		if p.state != SignalingHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		p.state = SignalingStable
	default:
		return fmt.Errorf("unexpected type %q", d.Type)
	}
	p.remoteSets++
	return nil
}

func (p *fakePC) AddICECandidate(c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSets == 0 {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) AddTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t.ID())
	return nil
}

func (p *fakePC) SignalingState() SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = SignalingClosed
	return nil
}

func (p *fakePC) snapshot() fakePC {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fakePC{
		remote:     p.remote,
		state:      p.state,
		offers:     p.offers,
		remoteSets: p.remoteSets,
		candidates: append([]Candidate(nil), p.candidates...),
		tracks:     append([]string(nil), p.tracks...),
		closed:     p.closed,
	}
}

type fakeFactory struct {
	mu        sync.Mutex
	pcs       map[string]*fakePC
	callbacks map[string]Callbacks
	failOffer map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		pcs:       make(map[string]*fakePC),
		callbacks: make(map[string]Callbacks),
		failOffer: make(map[string]bool),
	}
}

func (f *fakeFactory) NewPeerConnection(remote string, cb Callbacks) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{remote: remote, failOffer: f.failOffer[remote]}
	f.pcs[remote] = pc
	f.callbacks[remote] = cb
	return pc, nil
}

func (f *fakeFactory) pc(remote string) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[remote]
}

func (f *fakeFactory) cb(remote string) Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks[remote]
}

type sentSignal struct {
	to, kind string
	payload  json.RawMessage
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	// forward, when set, delivers each signal to another orchestrator.
	forward func(to, kind string, payload json.RawMessage)
}

func (s *recordingSignaler) SendSignal(to, kind string, payload json.RawMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{to: to, kind: kind, payload: payload})
	fwd := s.forward
	s.mu.Unlock()
	if fwd != nil {
		fwd(to, kind, payload)
	}
	return nil
}

func (s *recordingSignaler) count(to, kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.to == to && m.kind == kind {
			n++
		}
	}
	return n
}

type stateLog struct {
	mu     sync.Mutex
	states map[string][]LinkState
}

func (l *stateLog) record(remote string, s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states == nil {
		l.states = make(map[string][]LinkState)
	}
	l.states[remote] = append(l.states[remote], s)
}

func (l *stateLog) get(remote string) []LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LinkState(nil), l.states[remote]...)
}

type harness struct {
	o        *Orchestrator
	factory  *fakeFactory
	signaler *recordingSignaler
	states   *stateLog
}

func start(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{factory: newFakeFactory(), signaler: &recordingSignaler{}, states: &stateLog{}}
	h.o = New(Config{
		SelfID:      self,
		Factory:     h.factory,
		Signaler:    h.signaler,
		Logger:      discard,
		OnLinkState: h.states.record,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.o.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.o.done
	})
	return h
}

func (h *harness) links(t *testing.T) map[string]LinkInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	infos, err := h.o.Links(ctx)
	require.NoError(t, err)
	out := make(map[string]LinkInfo, len(infos))
	for _, info := range infos {
		out[info.RemoteUserID] = info
	}
	return out
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestIsInitiatorIsSymmetric(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"u1", "u2"}, {"Zed", "amy"}, {"a", "ab"}}
	for _, p := range pairs {
		require.NotEqual(t, IsInitiator(p[0], p[1]), IsInitiator(p[1], p[0]), "pair %v", p)
	}
	require.True(t, IsInitiator("bob", "alice"))
}

func TestRosterCreatesLinksAndOnlyInitiatorOffers(t *testing.T) {
	h := start(t, "bob")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob", "carol"}))

	links := h.links(t)
	require.Len(t, links, 2)
	require.True(t, links["alice"].Initiator)
	require.False(t, links["carol"].Initiator)
	require.Equal(t, LinkConnecting, links["alice"].State)
	require.Equal(t, LinkConnecting, links["carol"].State)

	require.Equal(t, 1, h.signaler.count("alice", SignalOffer))
	require.Equal(t, 0, h.signaler.count("carol", SignalOffer))
}

func TestTwoOrchestratorsNegotiate(t *testing.T) {
	alice := start(t, "alice")
	bob := start(t, "bob")
	alice.signaler.forward = func(to, kind string, payload json.RawMessage) {
		_ = bob.o.OnSignal("alice", kind, payload)
	}
	bob.signaler.forward = func(to, kind string, payload json.RawMessage) {
		_ = alice.o.OnSignal("bob", kind, payload)
	}

	require.NoError(t, alice.o.OnJoined([]string{"alice"}))
	require.NoError(t, bob.o.OnJoined([]string{"alice", "bob"}))
	require.NoError(t, alice.o.OnUserJoined("bob"))

	require.Eventually(t, func() bool {
		return alice.links(t)["bob"].State == LinkNegotiated && bob.links(t)["alice"].State == LinkNegotiated
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, bob.signaler.count("alice", SignalOffer))
	require.Equal(t, 0, alice.signaler.count("bob", SignalOffer))
	require.Equal(t, 1, alice.signaler.count("bob", SignalAnswer))

	alice.factory.cb("bob").OnConnectionState(TransportConnected)
	require.Eventually(t, func() bool {
		return alice.links(t)["bob"].State == LinkConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.o.OnUserLeft("bob"))
	require.Empty(t, alice.links(t))
	require.True(t, alice.factory.pc("bob").snapshot().closed)
	require.Equal(t, []LinkState{LinkConnecting, LinkNegotiated, LinkConnected, LinkClosed}, alice.states.get("bob"))
}

func TestStaleAnswerIsDiscarded(t *testing.T) {
	h := start(t, "bob")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))

	answer := mustJSON(t, Description{Type: SignalAnswer, SDP: "a1"})
	require.NoError(t, h.o.OnSignal("alice", SignalAnswer, answer))
	require.Equal(t, LinkNegotiated, h.links(t)["alice"].State)

	require.NoError(t, h.o.OnSignal("alice", SignalAnswer, mustJSON(t, Description{Type: SignalAnswer, SDP: "a2"})))
	h.links(t)
	require.Equal(t, 1, h.factory.pc("alice").snapshot().remoteSets)
	require.Equal(t, LinkNegotiated, h.links(t)["alice"].State)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := start(t, "alice")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))

	cand := mustJSON(t, Candidate{Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host"})
	require.NoError(t, h.o.OnSignal("bob", SignalICECandidate, cand))
	require.Equal(t, 1, h.links(t)["bob"].PendingCandidates)
	require.Empty(t, h.factory.pc("bob").snapshot().candidates)

	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: "o1"})))
	links := h.links(t)
	require.Equal(t, 0, links["bob"].PendingCandidates)
	require.Equal(t, LinkNegotiated, links["bob"].State)
	require.Len(t, h.factory.pc("bob").snapshot().candidates, 1)
	require.Equal(t, 1, h.signaler.count("bob", SignalAnswer))

	// Once the remote description is set, candidates apply directly.
	require.NoError(t, h.o.OnSignal("bob", SignalICECandidate, cand))
	h.links(t)
	require.Len(t, h.factory.pc("bob").snapshot().candidates, 2)
}

func TestOfferFromUnannouncedPeerCreatesAnswererLink(t *testing.T) {
	h := start(t, "alice")
	require.NoError(t, h.o.OnJoined([]string{"alice"}))

	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: "o1"})))
	links := h.links(t)
	require.Equal(t, LinkNegotiated, links["bob"].State)
	require.Equal(t, 1, h.signaler.count("bob", SignalAnswer))
}

func sessionSDP(id string, version int) string {
	return fmt.Sprintf("v=0\r\no=- %s %d IN IP4 127.0.0.1\r\ns=-\r\n", id, version)
}

func TestSDPSessionID(t *testing.T) {
	require.Equal(t, "4242", sdpSessionID(sessionSDP("4242", 2)))
	require.Equal(t, "", sdpSessionID("offer-without-origin"))
	require.Equal(t, "", sdpSessionID("v=0\r\no=-\r\n"))
}

func TestRejoinedPeerGetsFreshOffer(t *testing.T) {
	h := start(t, "b")
	require.NoError(t, h.o.OnJoined([]string{"a", "b"}))
	require.NoError(t, h.o.OnSignal("a", SignalAnswer, mustJSON(t, Description{Type: SignalAnswer, SDP: sessionSDP("1", 1)})))
	require.NoError(t, h.o.OnConnectionState("a", TransportConnected))
	require.Equal(t, LinkConnected, h.links(t)["a"].State)
	stale, staleCB := h.factory.pc("a"), h.factory.cb("a")

	// The relay announces a reconnect as a second user_joined.
	require.NoError(t, h.o.OnUserJoined("a"))
	links := h.links(t)
	require.Len(t, links, 1)
	require.Equal(t, LinkConnecting, links["a"].State)
	require.True(t, links["a"].Initiator)
	require.Equal(t, 2, h.signaler.count("a", SignalOffer))
	require.NotSame(t, stale, h.factory.pc("a"))
	require.True(t, stale.snapshot().closed)
	require.Equal(t, 1, h.factory.pc("a").snapshot().offers)
	require.Equal(t, []LinkState{LinkConnecting, LinkNegotiated, LinkConnected, LinkClosed, LinkConnecting}, h.states.get("a"))

	// A late failure from the replaced connection is ignored.
	staleCB.OnConnectionState(TransportFailed)
	require.Equal(t, LinkConnecting, h.links(t)["a"].State)
}

func TestRejoinedPeerAnswererAppliesFreshOffer(t *testing.T) {
	h := start(t, "alice")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))
	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: sessionSDP("1", 1)})))
	require.NoError(t, h.o.OnConnectionState("bob", TransportConnected))
	require.Equal(t, LinkConnected, h.links(t)["bob"].State)
	stale := h.factory.pc("bob")

	require.NoError(t, h.o.OnUserJoined("bob"))
	links := h.links(t)
	require.Equal(t, LinkConnecting, links["bob"].State)
	require.False(t, links["bob"].Initiator)
	require.Equal(t, 0, h.signaler.count("bob", SignalOffer))
	require.True(t, stale.snapshot().closed)

	fresh := h.factory.pc("bob")
	require.NotSame(t, stale, fresh)
	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: sessionSDP("2", 1)})))
	require.Equal(t, LinkNegotiated, h.links(t)["bob"].State)
	require.Same(t, fresh, h.factory.pc("bob"))
	require.Equal(t, 1, fresh.snapshot().remoteSets)
	require.Equal(t, 2, h.signaler.count("bob", SignalAnswer))
}

func TestOfferFromNewSessionReplacesLink(t *testing.T) {
	h := start(t, "alice")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))
	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: sessionSDP("1", 1)})))
	require.NoError(t, h.o.OnConnectionState("bob", TransportConnected))
	first := h.factory.pc("bob")

	// Renegotiation keeps the session id and the connection.
	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: sessionSDP("1", 2)})))
	links := h.links(t)
	require.Equal(t, LinkConnected, links["bob"].State)
	require.Same(t, first, h.factory.pc("bob"))
	require.Equal(t, 2, first.snapshot().remoteSets)

	// An offer from a new session means the peer rebuilt its end without a
	// user_joined reaching this side first.
	require.NoError(t, h.o.OnSignal("bob", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: sessionSDP("9", 1)})))
	links = h.links(t)
	require.Equal(t, LinkNegotiated, links["bob"].State)
	require.True(t, first.snapshot().closed)
	second := h.factory.pc("bob")
	require.NotSame(t, first, second)
	require.Equal(t, 1, second.snapshot().remoteSets)
	require.Equal(t, 3, h.signaler.count("bob", SignalAnswer))
}

func TestRosterAfterRejoinRebuildsLinks(t *testing.T) {
	h := start(t, "bob")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob", "carol"}))
	h.links(t)
	oldAlice, oldCarol := h.factory.pc("alice"), h.factory.pc("carol")

	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))
	links := h.links(t)
	require.Len(t, links, 1)
	require.Equal(t, LinkConnecting, links["alice"].State)
	require.True(t, oldAlice.snapshot().closed)
	require.True(t, oldCarol.snapshot().closed)
	require.NotSame(t, oldAlice, h.factory.pc("alice"))
	require.Equal(t, 2, h.signaler.count("alice", SignalOffer))
}

func TestTrackChangeRenegotiatesWithoutTeardown(t *testing.T) {
	h := start(t, "bob")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))
	answer := func(sdp string) {
		require.NoError(t, h.o.OnSignal("alice", SignalAnswer, mustJSON(t, Description{Type: SignalAnswer, SDP: sdp})))
	}
	answer("a1")

	pc := h.factory.pc("alice")
	require.NoError(t, h.o.SetLocalTracks([]Track{fakeTrack("mic")}))
	links := h.links(t)
	require.Equal(t, uint64(1), links["alice"].LastRenegotiatedTrackVersion)
	require.Equal(t, 2, h.signaler.count("alice", SignalOffer))
	require.Equal(t, []string{"mic"}, pc.snapshot().tracks)

	// A second change mid-negotiation attaches at once and offers after the
	// pending answer lands.
	require.NoError(t, h.o.SetLocalTracks([]Track{fakeTrack("mic"), fakeTrack("cam")}))
	h.links(t)
	require.Equal(t, []string{"mic", "cam"}, pc.snapshot().tracks)
	require.Equal(t, 2, h.signaler.count("alice", SignalOffer))

	answer("a2")
	links = h.links(t)
	require.Equal(t, 3, h.signaler.count("alice", SignalOffer))
	require.Equal(t, uint64(2), links["alice"].LastRenegotiatedTrackVersion)
	require.Same(t, pc, h.factory.pc("alice"))
	require.False(t, pc.snapshot().closed)
}

func TestNegotiationErrorAffectsOnlyThatLink(t *testing.T) {
	h := start(t, "zed")
	h.factory.failOffer["amy"] = true
	require.NoError(t, h.o.OnJoined([]string{"amy", "ben", "zed"}))

	links := h.links(t)
	require.NotContains(t, links, "amy")
	require.Equal(t, LinkConnecting, links["ben"].State)
	require.Equal(t, []LinkState{LinkConnecting, LinkFailed, LinkClosed}, h.states.get("amy"))
	require.True(t, h.factory.pc("amy").snapshot().closed)
}

func TestTransportFailureClosesLink(t *testing.T) {
	h := start(t, "bob")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))
	h.links(t)

	require.NoError(t, h.o.OnConnectionState("alice", TransportFailed))
	require.Empty(t, h.links(t))
	require.Equal(t, []LinkState{LinkConnecting, LinkFailed, LinkClosed}, h.states.get("alice"))

	// Late callbacks from the closed connection are ignored.
	h.factory.cb("alice").OnConnectionState(TransportConnected)
	require.Empty(t, h.links(t))
}

func TestLeaveRoomDropsLateSignals(t *testing.T) {
	h := start(t, "bob")
	require.NoError(t, h.o.OnJoined([]string{"alice", "bob"}))
	require.NoError(t, h.o.LeaveRoom())
	require.Empty(t, h.links(t))
	require.True(t, h.factory.pc("alice").snapshot().closed)

	require.NoError(t, h.o.OnSignal("alice", SignalOffer, mustJSON(t, Description{Type: SignalOffer, SDP: "late"})))
	require.NoError(t, h.o.OnUserJoined("carol"))
	require.Empty(t, h.links(t))
}

func TestMeshSizeIsBounded(t *testing.T) {
	h := start(t, "self")
	roster := []string{"self"}
	for i := 0; i < 25; i++ {
		roster = append(roster, fmt.Sprintf("peer-%02d", i))
	}
	require.NoError(t, h.o.OnJoined(roster))
	require.Len(t, h.links(t), MaxMeshSize-1)
}

func TestClosedOrchestrator(t *testing.T) {
	o := New(Config{SelfID: "a", Factory: newFakeFactory(), Signaler: &recordingSignaler{}, Logger: discard})
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	cancel()
	<-o.done

	require.ErrorIs(t, o.OnUserJoined("b"), ErrClosed)
	_, err := o.Links(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
