package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed wraps every decoding and validation failure.
var ErrMalformed = errors.New("malformed message")

// MaxSignalPayload bounds the opaque SDP or candidate body of a signal.
const MaxSignalPayload = 64 << 10

// Inbound is one validated client message.
type Inbound interface {
	// Kind returns the envelope type.
	Kind() string
}

type Join struct {
	RoomID   string `json:"roomId"`
	Identity string `json:"identity,omitempty"`
	Password string `json:"password,omitempty"`
}

type Leave struct {
	RoomID string `json:"roomId"`
}

type Signal struct {
	RoomID       string          `json:"roomId"`
	TargetUserID string          `json:"targetUserId"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

// Toggle is a participant flag change. Kind tells which flag.
type Toggle struct {
	kind   string
	RoomID string `json:"roomId"`
	Value  bool   `json:"value"`
}

type Reaction struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
}

type Ping struct{}

func (Join) Kind() string     { return TypeJoin }
func (Leave) Kind() string    { return TypeLeave }
func (Signal) Kind() string   { return TypeSignal }
func (t Toggle) Kind() string { return t.kind }
func (Reaction) Kind() string { return TypeReaction }
func (Ping) Kind() string     { return TypePing }

// NewToggle builds a Toggle of one of the four toggle kinds.
func NewToggle(kind, roomID string, value bool) Toggle {
	return Toggle{kind: kind, RoomID: roomID, Value: value}
}

// StateType maps a toggle kind to the outbound message type it produces.
func (t Toggle) StateType() string {
	switch t.kind {
	case TypeMuteToggle:
		return TypeParticipantMute
	case TypeSpeaking:
		return TypeParticipantSpeaking
	case TypeVideoToggle:
		return TypeParticipantVideo
	case TypeRaiseHand:
		return TypeParticipantHandRaised
	}
	return ""
}

// Decode parses and validates one client frame.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope validates an already split envelope.
func DecodeEnvelope(env Envelope) (Inbound, error) {
	switch env.Type {
	case TypeJoin:
		var m Join
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if err := requireRoom(m.RoomID); err != nil {
			return nil, err
		}
		return m, nil

	case TypeLeave:
		var m Leave
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if err := requireRoom(m.RoomID); err != nil {
			return nil, err
		}
		return m, nil

	case TypeSignal:
		var m Signal
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if err := requireRoom(m.RoomID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.TargetUserID) == "" {
			return nil, fmt.Errorf("%w: signal without targetUserId", ErrMalformed)
		}
		switch m.Type {
		case SignalOffer, SignalAnswer, SignalICECandidate:
		default:
			return nil, fmt.Errorf("%w: unknown signal type %q", ErrMalformed, m.Type)
		}
		if len(m.Payload) == 0 || bytes.Equal(m.Payload, []byte("null")) {
			return nil, fmt.Errorf("%w: signal without payload", ErrMalformed)
		}
		if len(m.Payload) > MaxSignalPayload {
			return nil, fmt.Errorf("%w: signal payload too large", ErrMalformed)
		}
		return m, nil

	case TypeMuteToggle, TypeSpeaking, TypeVideoToggle, TypeRaiseHand:
		var m Toggle
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if err := requireRoom(m.RoomID); err != nil {
			return nil, err
		}
		m.kind = env.Type
		return m, nil

	case TypeReaction:
		var m Reaction
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if err := requireRoom(m.RoomID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Type) == "" {
			return nil, fmt.Errorf("%w: reaction without type", ErrMalformed)
		}
		return m, nil

	case TypePing:
		return Ping{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func requireRoom(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing roomId", ErrMalformed)
	}
	return nil
}
