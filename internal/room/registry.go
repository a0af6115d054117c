package room

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/internal/shardmap"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultMaxParticipants applies when a spec leaves the capacity unset.
	DefaultMaxParticipants = 8
	// MinParticipants is the smallest room that makes sense for a call.
	MinParticipants = 2
	// MaxParticipants bounds the full mesh every client maintains: each client
	// holds one peer connection per other member.
	MaxParticipants = 20

	// SystemHostID owns server-seeded rooms.
	SystemHostID = "system"

	generatedPasswordLen = 8
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInvalidCapacity  = fmt.Errorf("maxParticipants must be between %d and %d", MinParticipants, MaxParticipants)
)

// Spec describes a room to create.
type Spec struct {
	Name            string `json:"name" yaml:"name"`
	MaxParticipants int    `json:"maxParticipants" yaml:"maxParticipants"`
	Private         bool   `json:"private" yaml:"private"`
	// Password is used for private rooms. When empty one is generated.
	Password string `json:"password,omitempty" yaml:"password"`
}

// Participant is one member of a room.
type Participant struct {
	UserID         string    `json:"userId"`
	ConnectionID   string    `json:"connectionId"`
	IsMuted        bool      `json:"isMuted"`
	IsSpeaking     bool      `json:"isSpeaking"`
	IsVideoEnabled bool      `json:"isVideoEnabled"`
	IsHandRaised   bool      `json:"isHandRaised"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Room is a point-in-time snapshot of a room.
type Room struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	HostID          string        `json:"hostId"`
	MaxParticipants int           `json:"maxParticipants"`
	Private         bool          `json:"private"`
	Seeded          bool          `json:"seeded"`
	CreatedAt       time.Time     `json:"createdAt"`
	Participants    []Participant `json:"participants"`
}

// Patch carries the toggle fields of a participant. Nil fields are left
// unchanged.
type Patch struct {
	IsMuted        *bool
	IsSpeaking     *bool
	IsVideoEnabled *bool
	IsHandRaised   *bool
}

func (p Patch) apply(pt *Participant) {
	if p.IsMuted != nil {
		pt.IsMuted = *p.IsMuted
	}
	if p.IsSpeaking != nil {
		pt.IsSpeaking = *p.IsSpeaking
	}
	if p.IsVideoEnabled != nil {
		pt.IsVideoEnabled = *p.IsVideoEnabled
	}
	if p.IsHandRaised != nil {
		pt.IsHandRaised = *p.IsHandRaised
	}
}

// entry is the mutable room. Every field below mu is protected by it.
type entry struct {
	mu sync.Mutex

	id           string
	name         string
	hostID       string
	max          int
	passwordHash []byte
	seeded       bool
	createdAt    time.Time
	deleted      bool
	participants map[string]*Participant
}

func (e *entry) snapshotLocked() Room {
	out := Room{
		ID:              e.id,
		Name:            e.name,
		HostID:          e.hostID,
		MaxParticipants: e.max,
		Private:         e.passwordHash != nil,
		Seeded:          e.seeded,
		CreatedAt:       e.createdAt,
		Participants:    make([]Participant, 0, len(e.participants)),
	}
	for _, p := range e.participants {
		out.Participants = append(out.Participants, *p)
	}
	sort.Slice(out.Participants, func(i, j int) bool {
		a, b := out.Participants[i], out.Participants[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return out
}

// Option configures a Registry.
type Option func(*Registry)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(r *Registry) { r.bcryptCost = cost }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry is the authoritative in-memory store of rooms. Rooms are spread
// over a sharded map; every mutation of a room holds only that room's lock.
type Registry struct {
	rooms      shardmap.Store[*entry]
	bcryptCost int
	now        func() time.Time
	logger     *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:      shardmap.New[*entry](0),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom registers a new room hosted by hostID. For private rooms the
// returned password is the only copy of the plaintext; the room keeps a hash.
func (r *Registry) CreateRoom(spec Spec, hostID string) (Room, string, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return Room{}, "", fmt.Errorf("host id is required")
	}
	return r.create(spec, hostID, false)
}

// SeedRoom creates a server-owned room that survives becoming empty.
func (r *Registry) SeedRoom(spec Spec) (Room, string, error) {
	return r.create(spec, SystemHostID, true)
}

func (r *Registry) create(spec Spec, hostID string, seeded bool) (Room, string, error) {
	max := spec.MaxParticipants
	if max == 0 {
		max = DefaultMaxParticipants
	}
	if max < MinParticipants || max > MaxParticipants {
		return Room{}, "", ErrInvalidCapacity
	}

	e := &entry{
		id:           uuid.NewString(),
		name:         strings.TrimSpace(spec.Name),
		hostID:       hostID,
		max:          max,
		seeded:       seeded,
		createdAt:    r.now(),
		participants: make(map[string]*Participant),
	}

	var password string
	if spec.Private {
		password = spec.Password
		if password == "" {
			generated, err := generatePassword()
			if err != nil {
				return Room{}, "", err
			}
			password = generated
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), r.bcryptCost)
		if err != nil {
			return Room{}, "", fmt.Errorf("hash room password: %w", err)
		}
		e.passwordHash = hash
	}

	r.rooms.Put(e.id, e)

	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	r.logger.Info("room created", "room_id", e.id, "host_id", hostID, "max_participants", max, "private", spec.Private, "seeded", seeded)
	return snap, password, nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room password: %w", err)
	}
	return strings.ToLower(base32.StdEncoding.EncodeToString(buf))[:generatedPasswordLen], nil
}

func (r *Registry) lookup(roomID string) (*entry, error) {
	e, ok := r.rooms.Get(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return e, nil
}

// VerifyPassword checks supplied against a private room's password. The
// room's host always passes, whatever it supplies.
func (r *Registry) VerifyPassword(roomID, supplied, requesterID string) error {
	e, err := r.lookup(roomID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	hash := e.passwordHash
	host := e.hostID
	deleted := e.deleted
	e.mu.Unlock()

	if deleted {
		return ErrRoomNotFound
	}
	if hash == nil || requesterID == host {
		return nil
	}
	if supplied == "" {
		return ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(supplied)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// Join adds userID on connectionID. The capacity check and the insert happen
// under the room lock. A user already in the room is replaced rather than
// duplicated; the connection it was on is returned as replaced.
func (r *Registry) Join(roomID, userID, connectionID string) (snap Room, replaced string, err error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Room{}, "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return Room{}, "", ErrRoomNotFound
	}
	if prev, ok := e.participants[userID]; ok {
		replaced = prev.ConnectionID
	} else if len(e.participants) >= e.max {
		return Room{}, "", ErrRoomFull
	}

	e.participants[userID] = &Participant{
		UserID:       userID,
		ConnectionID: connectionID,
		JoinedAt:     r.now(),
	}

	r.logger.Info("participant joined", "room_id", roomID, "user_id", userID, "conn_id", connectionID, "replaced_conn", replaced, "participants", len(e.participants))
	return e.snapshotLocked(), replaced, nil
}

// LeaveResult reports what Leave changed.
type LeaveResult struct {
	Participant Participant
	Removed     bool
	RoomDeleted bool
}

// Leave removes userID from the room. When connectionID is set the entry is
// only removed if it still belongs to that connection, so a late disconnect
// of a replaced connection cannot evict the reconnected user. An empty room
// that was not seeded is deleted.
func (r *Registry) Leave(roomID, userID, connectionID string) LeaveResult {
	e, err := r.lookup(roomID)
	if err != nil {
		return LeaveResult{}
	}

	e.mu.Lock()
	p, ok := e.participants[userID]
	if !ok || (connectionID != "" && p.ConnectionID != connectionID) {
		e.mu.Unlock()
		return LeaveResult{}
	}
	delete(e.participants, userID)
	res := LeaveResult{Participant: *p, Removed: true}
	remaining := len(e.participants)
	if remaining == 0 && !e.seeded {
		e.deleted = true
		res.RoomDeleted = true
	}
	e.mu.Unlock()

	if res.RoomDeleted {
		r.removeEntry(roomID, e)
		r.logger.Info("room deleted", "room_id", roomID, "reason", "empty")
	}
	r.logger.Info("participant left", "room_id", roomID, "user_id", userID, "remaining", remaining)
	return res
}

func (r *Registry) removeEntry(roomID string, e *entry) {
	r.rooms.Update(roomID, func(cur *entry, ok bool) (*entry, bool) {
		return cur, ok && cur != e
	})
}

// MutateParticipant applies patch to userID. It is a no-op returning false
// when the user is not in the room.
func (r *Registry) MutateParticipant(roomID, userID string, patch Patch) (Participant, bool) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Participant{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.participants[userID]
	if !ok {
		return Participant{}, false
	}
	patch.apply(p)
	return *p, true
}

// FindByConnection resolves which participant a transport session is.
func (r *Registry) FindByConnection(roomID, connectionID string) (Participant, bool) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Participant{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.participants {
		if p.ConnectionID == connectionID {
			return *p, true
		}
	}
	return Participant{}, false
}

// Participant returns userID's entry in the room.
func (r *Registry) Participant(roomID, userID string) (Participant, bool) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Participant{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Get returns a snapshot of one room.
func (r *Registry) Get(roomID string) (Room, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Room{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Room{}, ErrRoomNotFound
	}
	return e.snapshotLocked(), nil
}

// List returns snapshots of every room ordered by creation time.
func (r *Registry) List() []Room {
	var entries []*entry
	r.rooms.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})

	out := make([]Room, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live rooms.
func (r *Registry) Count() int {
	return r.rooms.Len()
}

// PruneEmpty deletes non-seeded rooms that were created before cutoff and
// never gained a participant, and reports how many were removed.
func (r *Registry) PruneEmpty(cutoff time.Time) int {
	removed := r.rooms.DeleteExpired(func(e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.seeded || len(e.participants) > 0 || !e.createdAt.Before(cutoff) {
			return false
		}
		e.deleted = true
		return true
	})
	if removed > 0 {
		r.logger.Debug("empty rooms pruned", "count", removed)
	}
	return removed
}
