package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"huddle/internal/shardmap"
)

// Policy holds the escalation thresholds.
type Policy struct {
	Window            time.Duration `yaml:"window"`
	MaxMessages       int           `yaml:"maxMessages"`
	Cooldown          time.Duration `yaml:"cooldown"`
	BanDuration       time.Duration `yaml:"banDuration"`
	AttemptsThreshold int           `yaml:"attemptsThreshold"`
}

// DefaultPolicy returns the production thresholds: 20 messages per 60s, a 5
// minute cooldown on the first violation, 24h bans, 5 attempts while blocked.
func DefaultPolicy() Policy {
	return Policy{
		Window:            60 * time.Second,
		MaxMessages:       20,
		Cooldown:          5 * time.Minute,
		BanDuration:       24 * time.Hour,
		AttemptsThreshold: 5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.MaxMessages <= 0 {
		p.MaxMessages = d.MaxMessages
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.BanDuration <= 0 {
		p.BanDuration = d.BanDuration
	}
	if p.AttemptsThreshold <= 0 {
		p.AttemptsThreshold = d.AttemptsThreshold
	}
	return p
}

// Record is the per-identity escalation state.
type Record struct {
	MessageCount         int        `json:"messageCount"`
	WindowStart          time.Time  `json:"windowStart"`
	ViolationCount       int        `json:"violationCount"`
	CooldownUntil        *time.Time `json:"cooldownUntil,omitempty"`
	PermanentlyBlocked   bool       `json:"permanentlyBlocked"`
	AttemptsWhileBlocked int        `json:"attemptsWhileBlocked"`
}

// BlockedAccount is a time-limited ban of one identity.
type BlockedAccount struct {
	UserID       string    `json:"userId"`
	BlockedAt    time.Time `json:"blockedAt"`
	BlockedUntil time.Time `json:"blockedUntil"`
	Reason       string    `json:"reason"`
}

// BlockedIP is a ban of one address. It never expires on its own.
type BlockedIP struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blockedAt"`
	Reason    string    `json:"reason"`
}

// BanSink is notified after ban state changes, outside of any limiter lock.
type BanSink interface {
	AccountBanned(ctx context.Context, b BlockedAccount) error
	IPBanned(ctx context.Context, b BlockedIP) error
	AccountUnbanned(ctx context.Context, userID string) error
	IPUnbanned(ctx context.Context, ip string) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithBanSink registers a sink for ban persistence.
func WithBanSink(sink BanSink) Option {
	return func(l *Limiter) { l.sink = sink }
}

// WithShards sets the shard count of every internal store.
func WithShards(n int) Option {
	return func(l *Limiter) { l.shards = n }
}

// Limiter tracks message velocity and escalating punishment per identity.
//
// Account bans expire lazily: expiry is checked by CheckAndRecord,
// IsAccountBlocked and BlockedAccounts. There is no background sweep.
type Limiter struct {
	policy Policy
	now    func() time.Time
	logger *slog.Logger
	sink   BanSink
	shards int

	records  shardmap.Store[Record]
	accounts shardmap.Store[BlockedAccount]
	ips      shardmap.Store[BlockedIP]
}

// New returns a Limiter using policy. Zero policy fields take their defaults.
func New(policy Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policy: policy.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.records = shardmap.New[Record](l.shards)
	l.accounts = shardmap.New[BlockedAccount](l.shards)
	l.ips = shardmap.New[BlockedIP](l.shards)
	return l
}

// Policy returns the effective thresholds.
func (l *Limiter) Policy() Policy { return l.policy }

type banEffects struct {
	account *BlockedAccount
	ip      *BlockedIP
	expired bool
}

// CheckAndRecord decides whether identity may perform one more action and
// records it. The whole decision is taken under the identity's shard lock, so
// concurrent requests from one identity cannot both pass the threshold.
func (l *Limiter) CheckAndRecord(identity, ip string) Decision {
	var (
		d   Decision
		fx  banEffects
		now = l.now()
	)

	l.records.Update(identity, func(rec Record, ok bool) (Record, bool) {
		if !ok {
			rec = Record{WindowStart: now}
		}
		d, fx = l.decide(&rec, identity, ip, now)
		return rec, true
	})

	l.applyEffects(identity, fx)
	if d.Kind != Allow {
		l.logger.Debug("rate limit decision", "user_id", identity, "ip", ip, "decision", d.Kind.String(), "reason", d.Reason)
	}
	return d
}

func (l *Limiter) decide(rec *Record, identity, ip string, now time.Time) (Decision, banEffects) {
	var fx banEffects

	if ip != "" {
		if b, ok := l.ips.Get(ip); ok {
			return Decision{Kind: IPBlocked, Reason: b.Reason}, fx
		}
	}

	if b, ok := l.accounts.Get(identity); ok {
		if now.Before(b.BlockedUntil) {
			return Decision{Kind: AccountBanned, Until: b.BlockedUntil, Reason: b.Reason}, fx
		}
		l.accounts.Delete(identity)
		fx.expired = true
	}

	if rec.PermanentlyBlocked {
		rec.AttemptsWhileBlocked++
		if rec.AttemptsWhileBlocked >= l.policy.AttemptsThreshold {
			return l.escalate(identity, ip, now, &fx), fx
		}
		return Decision{Kind: PermanentlyBlocked, Reason: ReasonRepeatedViolations}, fx
	}

	if rec.CooldownUntil != nil {
		if now.Before(*rec.CooldownUntil) {
			rec.AttemptsWhileBlocked++
			if rec.AttemptsWhileBlocked >= l.policy.AttemptsThreshold {
				return l.escalate(identity, ip, now, &fx), fx
			}
			return Decision{
				Kind:       RateLimited,
				RetryAfter: rec.CooldownUntil.Sub(now),
				Until:      *rec.CooldownUntil,
			}, fx
		}
		rec.CooldownUntil = nil
		rec.AttemptsWhileBlocked = 0
	}

	if now.Sub(rec.WindowStart) > l.policy.Window {
		rec.MessageCount = 0
		rec.WindowStart = now
	}

	if rec.MessageCount >= l.policy.MaxMessages {
		rec.ViolationCount++
		if rec.ViolationCount >= 2 {
			rec.PermanentlyBlocked = true
			b := l.banAccount(identity, now, ReasonRepeatedViolations)
			fx.account = &b
			return Decision{Kind: AccountBanned, Until: b.BlockedUntil, Reason: b.Reason}, fx
		}
		until := now.Add(l.policy.Cooldown)
		rec.CooldownUntil = &until
		rec.MessageCount = 0
		rec.WindowStart = now
		return Decision{Kind: RateLimited, RetryAfter: l.policy.Cooldown, Until: until}, fx
	}

	rec.MessageCount++
	return Decision{Kind: Allow}, fx
}

// escalate bans both the address and the account of an identity that kept
// retrying while blocked.
func (l *Limiter) escalate(identity, ip string, now time.Time, fx *banEffects) Decision {
	if ip != "" {
		b := BlockedIP{IP: ip, BlockedAt: now, Reason: ReasonBlockedAttempts}
		l.ips.Put(ip, b)
		fx.ip = &b
	}
	b := l.banAccount(identity, now, ReasonBlockedAttempts)
	fx.account = &b
	return Decision{Kind: AccountBanned, Until: b.BlockedUntil, Reason: b.Reason}
}

func (l *Limiter) banAccount(identity string, now time.Time, reason string) BlockedAccount {
	b := BlockedAccount{
		UserID:       identity,
		BlockedAt:    now,
		BlockedUntil: now.Add(l.policy.BanDuration),
		Reason:       reason,
	}
	l.accounts.Put(identity, b)
	return b
}

func (l *Limiter) applyEffects(identity string, fx banEffects) {
	if fx.account != nil {
		l.logger.Warn("account banned", "user_id", identity, "until", fx.account.BlockedUntil, "reason", fx.account.Reason)
	}
	if fx.ip != nil {
		l.logger.Warn("ip blocked", "ip", fx.ip.IP, "user_id", identity, "reason", fx.ip.Reason)
	}
	if l.sink == nil {
		return
	}
	ctx := context.Background()
	if fx.expired && fx.account == nil {
		if err := l.sink.AccountUnbanned(ctx, identity); err != nil {
			l.logger.Error("persist expired account ban", "user_id", identity, "err", err)
		}
	}
	if fx.account != nil {
		if err := l.sink.AccountBanned(ctx, *fx.account); err != nil {
			l.logger.Error("persist account ban", "user_id", identity, "err", err)
		}
	}
	if fx.ip != nil {
		if err := l.sink.IPBanned(ctx, *fx.ip); err != nil {
			l.logger.Error("persist ip ban", "ip", fx.ip.IP, "err", err)
		}
	}
}

// Restore loads persisted bans, typically at startup. Already expired
// account bans are skipped.
func (l *Limiter) Restore(accounts []BlockedAccount, ips []BlockedIP) {
	now := l.now()
	restored := 0
	for _, b := range accounts {
		if !now.Before(b.BlockedUntil) {
			continue
		}
		l.accounts.Put(b.UserID, b)
		restored++
	}
	for _, b := range ips {
		l.ips.Put(b.IP, b)
	}
	l.logger.Info("bans restored", "accounts", restored, "ips", len(ips))
}
