package mesh

import "encoding/json"

// Signal kinds exchanged through the relay.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Description is a session description in its browser JSON form.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate in its browser JSON form.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalingState mirrors the WebRTC signaling state of one connection.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingOther
	SignalingClosed
)

// TransportState is the connection state reported by the media stack.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Track is a local media track. Only its id is needed to tell tracks apart.
type Track interface {
	ID() string
}

// PeerConnection is the part of a WebRTC peer connection the orchestrator
// drives. Implementations need not be safe for concurrent use: the
// orchestrator calls them from its event goroutine only.
type PeerConnection interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error
	AddTrack(Track) error
	SignalingState() SignalingState
	Close() error
}

// Callbacks receive asynchronous events from a PeerConnection. They may be
// invoked from any goroutine.
type Callbacks struct {
	OnICECandidate    func(Candidate)
	OnConnectionState func(TransportState)
	OnRemoteTrack     func(trackID, kind string)
}

// Factory creates one PeerConnection per remote participant.
type Factory interface {
	NewPeerConnection(remoteUserID string, cb Callbacks) (PeerConnection, error)
}

// Signaler forwards an opaque payload to one remote participant through the
// relay. It must not block.
type Signaler interface {
	SendSignal(targetUserID, kind string, payload json.RawMessage) error
}
