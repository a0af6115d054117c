package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies the outcome of CheckAndRecord.
type Kind int

const (
	Allow Kind = iota
	RateLimited
	PermanentlyBlocked
	AccountBanned
	IPBlocked
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case RateLimited:
		return "rate_limited"
	case PermanentlyBlocked:
		return "permanently_blocked"
	case AccountBanned:
		return "account_banned"
	case IPBlocked:
		return "ip_blocked"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Ban reasons recorded on BlockedAccount and BlockedIP entries.
const (
	ReasonRepeatedViolations = "repeated rate limit violations"
	ReasonBlockedAttempts    = "repeated attempts while blocked"
	ReasonAdmin              = "blocked by administrator"
)

// Decision is the verdict for one rate-checked action.
type Decision struct {
	Kind Kind
	// RetryAfter is set for RateLimited.
	RetryAfter time.Duration
	// Until is the cooldown end for RateLimited and the ban end for
	// AccountBanned.
	Until  time.Time
	Reason string
}

// Allowed reports whether the action may proceed.
func (d Decision) Allowed() bool { return d.Kind == Allow }

// Sentinel errors matched with errors.Is against the typed errors below.
var (
	ErrRateLimited        = errors.New("rate limited")
	ErrPermanentlyBlocked = errors.New("permanently blocked")
	ErrAccountBanned      = errors.New("account banned")
	ErrIPBlocked          = errors.New("ip blocked")
)

// RateLimitError is a temporary rejection.
type RateLimitError struct {
	RetryAfter time.Duration
	Until      time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// BlockedError is a rejection that lasts until an admin action or a ban
// expiry. ForceLogout tells the caller to end the client session.
type BlockedError struct {
	Kind        Kind
	Reason      string
	Until       time.Time
	ForceLogout bool
}

func (e *BlockedError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s until %s: %s", e.Kind, e.Until.UTC().Format(time.RFC3339), e.Reason)
}

func (e *BlockedError) Unwrap() error {
	switch e.Kind {
	case PermanentlyBlocked:
		return ErrPermanentlyBlocked
	case AccountBanned:
		return ErrAccountBanned
	case IPBlocked:
		return ErrIPBlocked
	default:
		return nil
	}
}

// Err converts a non-Allow decision into a typed error. It returns nil for
// Allow.
func (d Decision) Err() error {
	switch d.Kind {
	case Allow:
		return nil
	case RateLimited:
		return &RateLimitError{RetryAfter: d.RetryAfter, Until: d.Until}
	case PermanentlyBlocked:
		return &BlockedError{Kind: d.Kind, Reason: d.Reason}
	default:
		return &BlockedError{Kind: d.Kind, Reason: d.Reason, Until: d.Until, ForceLogout: true}
	}
}
