package relay

import (
	"errors"
	"math"

	"huddle/internal/protocol"
	"huddle/internal/ratelimit"
	"huddle/internal/room"
)

// errorPayload converts a registry or limiter error into the error message
// sent back to the originating connection.
func errorPayload(err error) protocol.ErrorPayload {
	var (
		rl *ratelimit.RateLimitError
		bl *ratelimit.BlockedError
	)
	switch {
	case errors.As(err, &rl):
		p := protocol.ErrorPayload{
			Type:       protocol.ErrorRateLimited,
			Message:    "too many messages, slow down",
			RetryAfter: int64(math.Ceil(rl.RetryAfter.Seconds())),
		}
		if !rl.Until.IsZero() {
			until := rl.Until.UTC()
			p.BlockedUntil = &until
		}
		return p

	case errors.As(err, &bl):
		p := protocol.ErrorPayload{
			Type:        protocol.ErrorBlocked,
			Message:     bl.Kind.String(),
			Reason:      bl.Reason,
			ForceLogout: bl.ForceLogout,
		}
		if !bl.Until.IsZero() {
			until := bl.Until.UTC()
			p.BlockedUntil = &until
		}
		return p

	case errors.Is(err, room.ErrPasswordRequired):
		return protocol.ErrorPayload{Type: protocol.ErrorPasswordRequired, Message: "this room requires a password"}

	case errors.Is(err, room.ErrInvalidPassword):
		return protocol.ErrorPayload{Type: protocol.ErrorInvalidPassword, Message: "incorrect room password"}

	case errors.Is(err, room.ErrRoomFull):
		return protocol.ErrorPayload{Type: protocol.ErrorJoinFailed, Message: "room is full"}

	case errors.Is(err, room.ErrRoomNotFound):
		return protocol.ErrorPayload{Type: protocol.ErrorJoinFailed, Message: "room not found"}
	}
	return protocol.ErrorPayload{Type: protocol.ErrorJoinFailed, Message: "unable to join room"}
}

// metricLabel names the outcome of a join for the joins counter.
func metricLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return errorPayload(err).Type
}
