package protocol

import (
	"encoding/json"
	"time"
)

// Client to server message types.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSignal      = "signal"
	TypeMuteToggle  = "mute_toggle"
	TypeSpeaking    = "speaking"
	TypeVideoToggle = "video_toggle"
	TypeRaiseHand   = "raise_hand"
	TypeReaction    = "reaction"
	TypePing        = "ping"
)

// Server to client message types. TypeSignal and TypeReaction are used in
// both directions.
const (
	TypeJoined                = "joined"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeParticipantMute       = "participant_mute"
	TypeParticipantSpeaking   = "participant_speaking"
	TypeParticipantVideo      = "participant_video"
	TypeParticipantHandRaised = "participant_hand_raised"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Signal payload kinds forwarded between peers.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Participant is the presence payload for one room member.
type Participant struct {
	UserID         string    `json:"userId"`
	IsMuted        bool      `json:"isMuted"`
	IsSpeaking     bool      `json:"isSpeaking"`
	IsVideoEnabled bool      `json:"isVideoEnabled"`
	IsHandRaised   bool      `json:"isHandRaised"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// JoinedPayload answers a successful join. Participants includes the joiner.
type JoinedPayload struct {
	RoomID       string        `json:"roomId"`
	SelfID       string        `json:"selfId"`
	Participants []Participant `json:"participants"`
}

type UserJoinedPayload struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

type UserLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SignalOut is a signal forwarded to its target.
type SignalOut struct {
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParticipantStatePayload reports one toggle change.
type ParticipantStatePayload struct {
	UserID string `json:"userId"`
	Value  bool   `json:"value"`
}

type ReactionOut struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
}

// Error types carried in ErrorPayload.Type.
const (
	ErrorPasswordRequired = "password_required"
	ErrorInvalidPassword  = "invalid_password"
	ErrorJoinFailed       = "join_failed"
	ErrorRateLimited      = "rate_limited"
	ErrorBlocked          = "blocked"
)

// ErrorPayload is sent to the originating connection only. RetryAfter is in
// seconds.
type ErrorPayload struct {
	Type         string     `json:"type"`
	Message      string     `json:"message"`
	RetryAfter   int64      `json:"retryAfter,omitempty"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ForceLogout  bool       `json:"forceLogout,omitempty"`
}

// Encode builds a frame of type t around payload. A nil payload produces a
// frame without one.
func Encode(t string, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
