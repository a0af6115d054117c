// Package quest forwards gameplay side effects (joins, messages, room
// creation) to an external tracker. Delivery is best effort: a slow or failing
// tracker never blocks the caller.
package quest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	EventRoomJoined  = "room_joined"
	EventRoomLeft    = "room_left"
	EventMessageSent = "message_sent"
	EventRoomCreated = "room_created"
)

// Event is one side effect to award.
type Event struct {
	Type   string         `json:"type"`
	UserID string         `json:"userId"`
	RoomID string         `json:"roomId,omitempty"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

// Tracker receives events. Implementations may block; the Notifier bounds
// each call with a timeout.
type Tracker interface {
	Track(ctx context.Context, e Event) error
}

// LogTracker writes events to a logger. It is the default when no webhook is
// configured.
type LogTracker struct {
	Logger *slog.Logger
}

func (t LogTracker) Track(_ context.Context, e Event) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("quest event", "type", e.Type, "user_id", e.UserID, "room_id", e.RoomID)
	return nil
}

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 2
	DefaultTimeout   = 5 * time.Second
)

// NotifierConfig sizes the delivery queue.
type NotifierConfig struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
	Logger    *slog.Logger
	// OnDrop is called for every event dropped because the queue was full or
	// the notifier was closed.
	OnDrop func(Event)
}

// Notifier delivers events to a Tracker from a fixed pool of workers.
type Notifier struct {
	tracker Tracker
	cfg     NotifierConfig
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewNotifier returns a Notifier. Call Start to begin delivery.
func NewNotifier(tracker Tracker, cfg NotifierConfig) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		tracker: tracker,
		cfg:     cfg,
		queue:   make(chan Event, cfg.QueueSize),
	}
}

// Start launches the workers. They exit once Close drains the queue.
func (n *Notifier) Start() {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i + 1)
	}
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	n.cfg.Logger.Debug("quest worker started", "worker", id)
	for e := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		if err := n.tracker.Track(ctx, e); err != nil {
			n.cfg.Logger.Warn("quest event delivery failed", "type", e.Type, "user_id", e.UserID, "err", err)
		}
		cancel()
	}
}

// Notify enqueues e without blocking. It reports false when the event was
// dropped.
func (n *Notifier) Notify(e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.closed {
		select {
		case n.queue <- e:
			return true
		default:
		}
	}

	n.dropped.Add(1)
	n.cfg.Logger.Warn("dropping quest event", "type", e.Type, "user_id", e.UserID, "queue_len", len(n.queue))
	if n.cfg.OnDrop != nil {
		n.cfg.OnDrop(e)
	}
	return false
}

// Dropped returns the number of events dropped so far.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// QueueLen returns the number of pending events.
func (n *Notifier) QueueLen() int { return len(n.queue) }

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
