package mesh

import "strings"

// LinkState is the lifecycle of one peer link. Absent is never stored: a link
// that does not exist is absent.
type LinkState int

const (
	LinkAbsent LinkState = iota
	LinkConnecting
	LinkNegotiated
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkAbsent:
		return "absent"
	case LinkConnecting:
		return "connecting"
	case LinkNegotiated:
		return "negotiated"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxPendingCandidates bounds the ICE buffer of a link still waiting for
// its remote description.
const maxPendingCandidates = 64

// LinkInfo is a snapshot of one link.
type LinkInfo struct {
	RemoteUserID                 string
	State                        LinkState
	Initiator                    bool
	LastRenegotiatedTrackVersion uint64
	PendingCandidates            int
}

type link struct {
	remoteID  string
	pc        PeerConnection
	state     LinkState
	initiator bool

	// trackVersion is the last local track version this link offered.
	trackVersion uint64
	// renegotiate is set when a track change arrived mid-negotiation.
	renegotiate bool
	attached    map[string]bool

	remoteSet bool
	pending   []Candidate
	// remoteSession is the o= session id of the last applied remote
	// description. It stays fixed across renegotiations of one connection.
	remoteSession string
}

func (l *link) info() LinkInfo {
	return LinkInfo{
		RemoteUserID:                 l.remoteID,
		State:                        l.state,
		Initiator:                    l.initiator,
		LastRenegotiatedTrackVersion: l.trackVersion,
		PendingCandidates:            len(l.pending),
	}
}

// IsInitiator reports whether self sends the first offer to remote. The
// identity that sorts greater initiates, so both sides agree without a
// coordination message.
func IsInitiator(self, remote string) bool {
	return self > remote
}

// sdpSessionID returns the sess-id field of the SDP origin line, or "" when
// there is none.
func sdpSessionID(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "o=") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "o="))
		if len(fields) < 2 {
			return ""
		}
		return fields[1]
	}
	return ""
}
