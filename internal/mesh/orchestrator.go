// Package mesh keeps one WebRTC peer connection per remote participant of a
// room. The relay is used only as a pipe for offer, answer and ICE payloads.
//
// All state is owned by a single event goroutine started with Run. Public
// methods and media-stack callbacks post events to it, so handlers never
// race and a slow negotiation with one peer never blocks events for another.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// MaxMeshSize is the largest room a full mesh is built for, self included.
const MaxMeshSize = 20

// ErrClosed is returned once Run has exited.
var ErrClosed = errors.New("mesh: orchestrator closed")

// Config wires an Orchestrator.
type Config struct {
	SelfID   string
	Factory  Factory
	Signaler Signaler
	Logger   *slog.Logger
	// OnLinkState, if set, observes every link state change. It runs on the
	// event goroutine and must not call back into the Orchestrator.
	OnLinkState func(remoteUserID string, state LinkState)
	// QueueSize bounds pending events. Defaults to 256.
	QueueSize int
}

// Orchestrator maintains the peer mesh for one local participant.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	events chan func()
	done   chan struct{}

	// Owned by the event goroutine.
	links        map[string]*link
	tracks       []Track
	trackVersion uint64
	inRoom       bool
}

// New returns an Orchestrator. Call Run to start processing events.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With("self", cfg.SelfID),
		events: make(chan func(), cfg.QueueSize),
		done:   make(chan struct{}),
		links:  make(map[string]*link),
	}
}

// Run processes events until ctx is cancelled, then closes every link.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			o.closeAll("shutdown")
			return
		case fn := <-o.events:
			fn()
		}
	}
}

func (o *Orchestrator) post(fn func()) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.events <- fn:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// OnJoined handles the roster of a fresh join. Every remote participant
// sees this side as newly joined and rebuilds its end, so links left over
// from an earlier session are closed and built again.
func (o *Orchestrator) OnJoined(participants []string) error {
	roster := append([]string(nil), participants...)
	return o.post(func() {
		o.inRoom = true
		o.closeAll("rejoined room")
		sort.Strings(roster)
		for _, id := range roster {
			if id != o.cfg.SelfID {
				o.ensureLink(id)
			}
		}
	})
}

// OnUserJoined handles a new remote participant. A participant that already
// has a link has reconnected on a fresh session, so the old link is replaced.
func (o *Orchestrator) OnUserJoined(userID string) error {
	return o.post(func() {
		if !o.inRoom || userID == o.cfg.SelfID {
			return
		}
		if _, ok := o.links[userID]; ok {
			o.closeLink(userID, LinkClosed, "peer rejoined")
		}
		o.ensureLink(userID)
	})
}

// OnUserLeft tears down the link to a departed participant.
func (o *Orchestrator) OnUserLeft(userID string) error {
	return o.post(func() {
		o.closeLink(userID, LinkClosed, "user left")
	})
}

// OnSignal applies a payload forwarded by the relay.
func (o *Orchestrator) OnSignal(from, kind string, payload json.RawMessage) error {
	raw := append(json.RawMessage(nil), payload...)
	return o.post(func() {
		if !o.inRoom {
			o.logger.Debug("signal outside room dropped", "from", from, "type", kind)
			return
		}
		switch kind {
		case SignalOffer:
			o.handleOffer(from, raw)
		case SignalAnswer:
			o.handleAnswer(from, raw)
		case SignalICECandidate:
			o.handleCandidate(from, raw)
		default:
			o.logger.Warn("unknown signal type", "from", from, "type", kind)
		}
	})
}

// OnConnectionState records a transport state change for one link.
func (o *Orchestrator) OnConnectionState(userID string, state TransportState) error {
	return o.post(func() {
		l, ok := o.links[userID]
		if !ok {
			return
		}
		o.applyTransportState(l, state)
	})
}

// SetLocalTracks replaces the local track set. Every link attaches the new
// tracks and renegotiates without being torn down.
func (o *Orchestrator) SetLocalTracks(tracks []Track) error {
	next := append([]Track(nil), tracks...)
	return o.post(func() {
		o.tracks = next
		o.trackVersion++
		for _, id := range o.sortedLinkIDs() {
			o.renegotiate(o.links[id])
		}
	})
}

// LeaveRoom closes every link. Signals arriving afterwards are dropped.
func (o *Orchestrator) LeaveRoom() error {
	return o.post(func() {
		o.inRoom = false
		o.closeAll("left room")
	})
}

// Links returns a snapshot of every live link, sorted by remote id.
func (o *Orchestrator) Links(ctx context.Context) ([]LinkInfo, error) {
	reply := make(chan []LinkInfo, 1)
	if err := o.post(func() {
		out := make([]LinkInfo, 0, len(o.links))
		for _, id := range o.sortedLinkIDs() {
			out = append(out, o.links[id].info())
		}
		reply <- out
	}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-o.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) sortedLinkIDs() []string {
	ids := make([]string, 0, len(o.links))
	for id := range o.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ensureLink creates the link to remote if needed and, when this side is
// the initiator, sends the first offer.
func (o *Orchestrator) ensureLink(remote string) *link {
	if l, ok := o.links[remote]; ok {
		return l
	}
	l := o.newLink(remote)
	if l == nil || !l.initiator {
		return l
	}
	if err := o.sendOffer(l); err != nil {
		o.failLink(l, err)
		return nil
	}
	return l
}

// ensureLinkForOffer returns the link an offer applies to. When the roster
// has not announced the sender yet, the link is created without an offer of
// its own.
func (o *Orchestrator) ensureLinkForOffer(from string) *link {
	if l, ok := o.links[from]; ok {
		return l
	}
	return o.newLink(from)
}

func (o *Orchestrator) newLink(remote string) *link {
	if len(o.links) >= MaxMeshSize-1 {
		o.logger.Warn("mesh size limit reached, link refused", "remote", remote, "max", MaxMeshSize)
		return nil
	}

	l := &link{
		remoteID:  remote,
		initiator: IsInitiator(o.cfg.SelfID, remote),
		attached:  make(map[string]bool),
	}
	pc, err := o.cfg.Factory.NewPeerConnection(remote, o.callbacks(l))
	if err != nil {
		o.logger.Error("create peer connection", "remote", remote, "err", err)
		o.notify(remote, LinkFailed)
		return nil
	}
	l.pc = pc
	o.links[remote] = l
	o.setState(l, LinkConnecting)

	if err := o.attachTracks(l); err != nil {
		o.failLink(l, err)
		return nil
	}
	l.trackVersion = o.trackVersion
	o.logger.Debug("peer link created", "remote", remote, "initiator", l.initiator)
	return l
}

// callbacks re-post media-stack events onto the event goroutine. Events for
// a link that was replaced or closed in the meantime are dropped.
func (o *Orchestrator) callbacks(l *link) Callbacks {
	return Callbacks{
		OnICECandidate: func(c Candidate) {
			_ = o.post(func() {
				if o.links[l.remoteID] != l {
					return
				}
				o.send(l, SignalICECandidate, c)
			})
		},
		OnConnectionState: func(s TransportState) {
			_ = o.post(func() {
				if o.links[l.remoteID] != l {
					return
				}
				o.applyTransportState(l, s)
			})
		},
		OnRemoteTrack: func(trackID, kind string) {
			o.logger.Info("remote track", "remote", l.remoteID, "track_id", trackID, "kind", kind)
		},
	}
}

func (o *Orchestrator) attachTracks(l *link) error {
	for _, t := range o.tracks {
		if l.attached[t.ID()] {
			continue
		}
		if err := l.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		l.attached[t.ID()] = true
	}
	return nil
}

func (o *Orchestrator) sendOffer(l *link) error {
	offer, err := l.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.renegotiate = false
	return o.sendErr(l, SignalOffer, offer)
}

func (o *Orchestrator) handleOffer(from string, raw json.RawMessage) {
	var offer Description
	if err := json.Unmarshal(raw, &offer); err != nil || offer.SDP == "" {
		o.logger.Warn("malformed offer dropped", "from", from)
		return
	}

	session := sdpSessionID(offer.SDP)
	if l, ok := o.links[from]; ok && l.remoteSession != "" && session != "" && session != l.remoteSession {
		o.closeLink(from, LinkClosed, "peer session replaced")
	}

	l := o.ensureLinkForOffer(from)
	if l == nil {
		return
	}

	if l.pc.SignalingState() == SignalingHaveLocalOffer {
		if l.initiator {
			// Offer collision: the initiator's own offer wins.
			o.logger.Debug("colliding offer ignored", "remote", from)
			return
		}
		if err := l.pc.SetLocalDescription(Description{Type: "rollback"}); err != nil {
			o.failLink(l, fmt.Errorf("rollback local offer: %w", err))
			return
		}
		l.renegotiate = true
	}

	if err := l.pc.SetRemoteDescription(offer); err != nil {
		o.failLink(l, fmt.Errorf("set remote offer: %w", err))
		return
	}
	l.remoteSet = true
	l.remoteSession = session
	o.flushCandidates(l)

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		o.failLink(l, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		o.failLink(l, fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := o.sendErr(l, SignalAnswer, answer); err != nil {
		o.failLink(l, err)
		return
	}
	if l.state == LinkConnecting {
		o.setState(l, LinkNegotiated)
	}
	o.resumeRenegotiation(l)
}

func (o *Orchestrator) handleAnswer(from string, raw json.RawMessage) {
	l, ok := o.links[from]
	if !ok {
		o.logger.Debug("answer for unknown link dropped", "from", from)
		return
	}
	if l.pc.SignalingState() != SignalingHaveLocalOffer {
		o.logger.Debug("stale answer discarded", "from", from)
		return
	}
	var answer Description
	if err := json.Unmarshal(raw, &answer); err != nil || answer.SDP == "" {
		o.logger.Warn("malformed answer dropped", "from", from)
		return
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		o.failLink(l, fmt.Errorf("set remote answer: %w", err))
		return
	}
	l.remoteSet = true
	l.remoteSession = sdpSessionID(answer.SDP)
	o.flushCandidates(l)
	if l.state == LinkConnecting {
		o.setState(l, LinkNegotiated)
	}
	o.resumeRenegotiation(l)
}

func (o *Orchestrator) handleCandidate(from string, raw json.RawMessage) {
	l, ok := o.links[from]
	if !ok {
		o.logger.Debug("candidate for unknown link dropped", "from", from)
		return
	}
	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		o.logger.Warn("malformed candidate dropped", "from", from)
		return
	}
	if !l.remoteSet {
		if len(l.pending) >= maxPendingCandidates {
			o.logger.Warn("candidate buffer full, dropping", "remote", from)
			return
		}
		l.pending = append(l.pending, c)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		o.logger.Warn("add ice candidate", "remote", from, "err", err)
	}
}

func (o *Orchestrator) flushCandidates(l *link) {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			o.logger.Warn("add buffered ice candidate", "remote", l.remoteID, "err", err)
		}
	}
	l.pending = nil
}

// renegotiate brings one link up to the current track version. A link in
// the middle of an offer/answer exchange finishes it first.
func (o *Orchestrator) renegotiate(l *link) {
	if l.trackVersion >= o.trackVersion {
		return
	}
	if err := o.attachTracks(l); err != nil {
		o.failLink(l, err)
		return
	}
	l.trackVersion = o.trackVersion
	if l.pc.SignalingState() != SignalingStable {
		l.renegotiate = true
		return
	}
	if err := o.sendOffer(l); err != nil {
		o.failLink(l, err)
	}
}

func (o *Orchestrator) resumeRenegotiation(l *link) {
	if !l.renegotiate || l.pc.SignalingState() != SignalingStable {
		return
	}
	if err := o.sendOffer(l); err != nil {
		o.failLink(l, err)
	}
}

func (o *Orchestrator) applyTransportState(l *link, s TransportState) {
	switch s {
	case TransportConnected:
		o.setState(l, LinkConnected)
	case TransportDisconnected:
		o.closeLink(l.remoteID, LinkDisconnected, "transport disconnected")
	case TransportFailed:
		o.closeLink(l.remoteID, LinkFailed, "transport failed")
	case TransportClosed:
		o.closeLink(l.remoteID, LinkClosed, "transport closed")
	}
}

func (o *Orchestrator) send(l *link, kind string, v any) {
	if err := o.sendErr(l, kind, v); err != nil {
		o.logger.Warn("send signal", "remote", l.remoteID, "type", kind, "err", err)
	}
}

func (o *Orchestrator) sendErr(l *link, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := o.cfg.Signaler.SendSignal(l.remoteID, kind, payload); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (o *Orchestrator) failLink(l *link, err error) {
	o.logger.Warn("peer link failed", "remote", l.remoteID, "err", err)
	o.closeLink(l.remoteID, LinkFailed, "negotiation error")
}

// closeLink moves a link through its terminal state and forgets it.
func (o *Orchestrator) closeLink(remote string, terminal LinkState, reason string) {
	l, ok := o.links[remote]
	if !ok {
		return
	}
	delete(o.links, remote)
	if terminal != LinkClosed {
		o.setState(l, terminal)
	}
	if err := l.pc.Close(); err != nil {
		o.logger.Debug("close peer connection", "remote", remote, "err", err)
	}
	o.setState(l, LinkClosed)
	o.logger.Debug("peer link closed", "remote", remote, "reason", reason)
}

func (o *Orchestrator) closeAll(reason string) {
	for _, id := range o.sortedLinkIDs() {
		o.closeLink(id, LinkClosed, reason)
	}
}

func (o *Orchestrator) setState(l *link, s LinkState) {
	if l.state == s {
		return
	}
	l.state = s
	o.notify(l.remoteID, s)
}

func (o *Orchestrator) notify(remote string, s LinkState) {
	if o.cfg.OnLinkState != nil {
		o.cfg.OnLinkState(remote, s)
	}
}
