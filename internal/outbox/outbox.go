package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/google/uuid"
)

const defaultCapacity = 1024

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrFull         = errors.New("outbox full")
	ErrNotFound     = errors.New("outbox item not found")
)

// Item is one failed destructive command waiting for the user to retry or
// abandon it.
type Item struct {
	ID         string                 `json:"id"`
	Collection recordsync.Kind        `json:"collection"`
	RecordID   string                 `json:"recordId"`
	Command    recordsync.CommandKind `json:"command"`
	Payload    map[string]any         `json:"payload,omitempty"`
	Record     *recordsync.Record     `json:"record,omitempty"`
	Error      string                 `json:"error"`
	FailedAt   time.Time              `json:"failedAt"`
	Attempts   int                    `json:"attempts"`
}

// Queue is a bounded FIFO of failed commands.
type Queue interface {
	TryEnqueue(item Item) bool
	Enqueue(ctx context.Context, item Item) bool
	Dequeue(ctx context.Context) (Item, bool)
	// Remove takes the item with id out of the queue regardless of position.
	Remove(id string) (Item, bool)
	Depth() int
	Capacity() int
	Snapshot() []Item
	Close() error
}

// Recorder adapts a Queue to the engine's failure sink.
type Recorder struct {
	Queue Queue
	Now   func() time.Time
}

func (r *Recorder) RecordFailure(ctx context.Context, failure recordsync.Failure, payload map[string]any) error {
	if r == nil || r.Queue == nil {
		return nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	item := Item{
		ID:         uuid.NewString(),
		Collection: failure.Collection,
		RecordID:   failure.RecordID,
		Command:    failure.Command,
		Payload:    payload,
		Record:     failure.Record,
		FailedAt:   now().UTC(),
		Attempts:   1,
	}
	if failure.Err != nil {
		item.Error = failure.Err.Error()
	}
	if !r.Queue.Enqueue(ctx, item) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrFull
	}
	return nil
}

// Sender is the part of the remote a retry needs.
type Sender interface {
	SendCommand(ctx context.Context, kind recordsync.Kind, id string, command recordsync.CommandKind, payload map[string]any) error
}

// retryDequeueWait bounds how long RetryAll waits for the next item.
const retryDequeueWait = 100 * time.Millisecond

// Retry resends the command for item id. On failure the item goes back into
// the queue with its attempt count and error updated.
func Retry(ctx context.Context, q Queue, sender Sender, id string) (Item, error) {
	item, ok := q.Remove(strings.TrimSpace(id))
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return resend(ctx, q, sender, item)
}

// RetryAll resends every item queued when it starts, oldest first. Items that
// fail again are requeued behind the rest and not retried a second time. It
// returns the items that were sent.
func RetryAll(ctx context.Context, q Queue, sender Sender) ([]Item, error) {
	var (
		sent []Item
		errs []error
	)
	for n := q.Depth(); n > 0; n-- {
		dequeueCtx, cancel := context.WithTimeout(ctx, retryDequeueWait)
		item, ok := q.Dequeue(dequeueCtx)
		cancel()
		if !ok {
			break
		}
		item, err := resend(ctx, q, sender, item)
		if err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", item.ID, err))
			continue
		}
		sent = append(sent, item)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return sent, errors.Join(errs...)
}

func resend(ctx context.Context, q Queue, sender Sender, item Item) (Item, error) {
	err := sender.SendCommand(ctx, item.Collection, item.RecordID, item.Command, item.Payload)
	if err == nil {
		return item, nil
	}
	item.Attempts++
	item.Error = err.Error()
	item.FailedAt = time.Now().UTC()
	if !q.TryEnqueue(item) {
		return item, fmt.Errorf("retry %s failed and could not be requeued: %w", item.ID, err)
	}
	return item, err
}

// Abandon drops item id without resending it.
func Abandon(q Queue, id string) (Item, error) {
	item, ok := q.Remove(strings.TrimSpace(id))
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item, nil
}

type memoryQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Item
}

func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &memoryQueue{capacity: capacity, pollInterval: 10 * time.Millisecond}
}

func (q *memoryQueue) TryEnqueue(item Item) bool {
	if strings.TrimSpace(item.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	return true
}

func (q *memoryQueue) Enqueue(ctx context.Context, item Item) bool {
	return pollUntil(ctx, q.pollInterval, func() bool { return q.TryEnqueue(item) })
}

func (q *memoryQueue) Dequeue(ctx context.Context) (Item, bool) {
	var out Item
	ok := pollUntil(ctx, q.pollInterval, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.items) == 0 {
			return false
		}
		out = q.items[0]
		q.items = q.items[1:]
		return true
	})
	return out, ok
}

func (q *memoryQueue) Remove(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, removed, ok := removeItem(q.items, id)
	q.items = items
	return removed, ok
}

func (q *memoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) Capacity() int {
	return q.capacity
}

func (q *memoryQueue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *memoryQueue) Close() error {
	return nil
}

func removeItem(items []Item, id string) ([]Item, Item, bool) {
	for i, item := range items {
		if item.ID == id {
			return append(items[:i:i], items[i+1:]...), item, true
		}
	}
	return items, Item{}, false
}

// pollUntil retries attempt until it succeeds or ctx ends.
func pollUntil(ctx context.Context, interval time.Duration, attempt func() bool) bool {
	for {
		if attempt() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}
