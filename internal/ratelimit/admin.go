package ratelimit

import (
	"context"
	"sort"
)

// BlockedUser is a record currently in cooldown or permanently blocked.
type BlockedUser struct {
	UserID string `json:"userId"`
	Record
}

// Record returns a copy of identity's state.
func (l *Limiter) Record(identity string) (Record, bool) {
	rec, ok := l.records.Get(identity)
	if ok && rec.CooldownUntil != nil {
		until := *rec.CooldownUntil
		rec.CooldownUntil = &until
	}
	return rec, ok
}

// BlockedUsers lists identities that are cooling down or permanently blocked,
// ordered by user id.
func (l *Limiter) BlockedUsers() []BlockedUser {
	now := l.now()
	out := []BlockedUser{}
	l.records.Range(func(id string, rec Record) bool {
		cooling := rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil)
		if rec.PermanentlyBlocked || cooling {
			out = append(out, BlockedUser{UserID: id, Record: rec})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// BlockedIPs lists every blocked address ordered by ip.
func (l *Limiter) BlockedIPs() []BlockedIP {
	out := []BlockedIP{}
	l.ips.Range(func(_ string, b BlockedIP) bool {
		out = append(out, b)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// BlockedAccounts lists live account bans, dropping expired ones first.
func (l *Limiter) BlockedAccounts() []BlockedAccount {
	now := l.now()
	var expired []string
	l.accounts.DeleteExpired(func(b BlockedAccount) bool {
		if now.Before(b.BlockedUntil) {
			return false
		}
		expired = append(expired, b.UserID)
		return true
	})
	for _, id := range expired {
		l.notifyAccountUnbanned(id)
	}

	out := []BlockedAccount{}
	l.accounts.Range(func(_ string, b BlockedAccount) bool {
		out = append(out, b)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsAccountBlocked reports whether userID has a live account ban.
func (l *Limiter) IsAccountBlocked(userID string) (BlockedAccount, bool) {
	now := l.now()
	var (
		out     BlockedAccount
		live    bool
		expired bool
	)
	l.accounts.Update(userID, func(b BlockedAccount, ok bool) (BlockedAccount, bool) {
		if !ok {
			return b, false
		}
		if now.Before(b.BlockedUntil) {
			out, live = b, true
			return b, true
		}
		expired = true
		return b, false
	})
	if expired {
		l.notifyAccountUnbanned(userID)
	}
	return out, live
}

// Unblock resets identity to the normal state by dropping its record; the
// next request opens a fresh window. An active account ban is left in place;
// use UnblockAccount for that. Repeated calls leave the same state as one.
func (l *Limiter) Unblock(identity string) {
	l.records.Delete(identity)
	l.logger.Info("rate limit record reset", "user_id", identity)
}

// UnblockAccount lifts an account ban. It reports whether one existed.
func (l *Limiter) UnblockAccount(userID string) bool {
	if !l.accounts.Delete(userID) {
		return false
	}
	l.logger.Info("account unbanned", "user_id", userID)
	l.notifyAccountUnbanned(userID)
	return true
}

// UnblockIP removes ip from the blocked set. It reports whether it was there.
func (l *Limiter) UnblockIP(ip string) bool {
	if !l.ips.Delete(ip) {
		return false
	}
	l.logger.Info("ip unblocked", "ip", ip)
	if l.sink != nil {
		if err := l.sink.IPUnbanned(context.Background(), ip); err != nil {
			l.logger.Error("persist ip unban", "ip", ip, "err", err)
		}
	}
	return true
}

// BlockIP adds ip to the blocked set on behalf of an administrator.
func (l *Limiter) BlockIP(ip, reason string) BlockedIP {
	if reason == "" {
		reason = ReasonAdmin
	}
	b := BlockedIP{IP: ip, BlockedAt: l.now(), Reason: reason}
	l.ips.Put(ip, b)
	l.applyEffects("", banEffects{ip: &b})
	return b
}

func (l *Limiter) notifyAccountUnbanned(userID string) {
	if l.sink == nil {
		return
	}
	if err := l.sink.AccountUnbanned(context.Background(), userID); err != nil {
		l.logger.Error("persist account unban", "user_id", userID, "err", err)
	}
}
