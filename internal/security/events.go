package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned when publishing to a stopped InvalidationQueue.
var ErrQueueClosed = errors.New("security: invalidation queue closed")

// PermissionsChanged announces that ACL entries affecting the listed users changed.
type PermissionsChanged struct {
	ID              string  `json:"id"`
	AffectedUserIDs []int64 `json:"affected_user_ids"`
}

// NewPermissionsChanged builds an event with a fresh id. Duplicate user ids are dropped.
func NewPermissionsChanged(userIDs ...int64) PermissionsChanged {
	seen := make(map[int64]struct{}, len(userIDs))
	ids := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return PermissionsChanged{ID: uuid.NewString(), AffectedUserIDs: ids}
}

// Publisher delivers PermissionsChanged events to their consumers.
type Publisher interface {
	Publish(ctx context.Context, event PermissionsChanged) error
}

// Invalidator consumes PermissionsChanged by invalidating each affected user.
type Invalidator struct {
	auth   Authorizer
	logger *slog.Logger
}

// NewInvalidator builds the consumer around auth, normally a *CachedAuthorizer.
func NewInvalidator(auth Authorizer, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{auth: auth, logger: logger}
}

// Handle invalidates the cache of every affected user.
func (i *Invalidator) Handle(ctx context.Context, event PermissionsChanged) {
	for _, id := range event.AffectedUserIDs {
		i.auth.InvalidateUserCache(ctx, id)
	}
	i.logger.Info("security permissions changed",
		slog.String("event_id", event.ID),
		slog.Int("users", len(event.AffectedUserIDs)))
}

// InvalidationQueue is an in-process Publisher: events are buffered on a channel
// and applied by a single consumer goroutine started with Run.
type InvalidationQueue struct {
	events  chan PermissionsChanged
	handler *Invalidator
	done    chan struct{}

	// mu is held shared by in-flight publishes; Run takes it exclusively to
	// mark the queue closed before draining.
	mu     sync.RWMutex
	closed bool
}

// NewInvalidationQueue returns a queue with the given buffer size.
func NewInvalidationQueue(handler *Invalidator, size int) *InvalidationQueue {
	if size <= 0 {
		size = 64
	}
	return &InvalidationQueue{
		events:  make(chan PermissionsChanged, size),
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Publish enqueues event, blocking while the buffer is full. An event accepted
// here is always handled, even when the queue shuts down right after.
func (q *InvalidationQueue) Publish(ctx context.Context, event PermissionsChanged) error {
	if len(event.AffectedUserIDs) == 0 {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- event:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes events until ctx is cancelled, then drains what is already buffered.
func (q *InvalidationQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.shutdown()
			return ctx.Err()
		case event := <-q.events:
			q.handler.Handle(ctx, event)
		}
	}
}

func (q *InvalidationQueue) shutdown() {
	close(q.done)
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.drain()
}

func (q *InvalidationQueue) drain() {
	// The run context is gone; cleanup still has to reach Redis.
	ctx := context.WithoutCancel(context.Background())
	for {
		select {
		case event := <-q.events:
			q.handler.Handle(ctx, event)
		default:
			return
		}
	}
}
