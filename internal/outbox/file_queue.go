package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// fileQueue keeps the outbox in a JSON file shared between processes: a
// watching engine appends while the CLI lists, retries and abandons. Every
// operation reloads the file under an exclusive flock.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
}

type fileQueueState struct {
	Items []Item `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	err := q.withLock(func(items []Item) ([]Item, bool, error) {
		if len(items) > q.capacity {
			return items[len(items)-q.capacity:], true, nil
		}
		return items, false, nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(item Item) bool {
	if strings.TrimSpace(item.ID) == "" {
		return false
	}
	accepted := false
	err := q.withLock(func(items []Item) ([]Item, bool, error) {
		if len(items) >= q.capacity {
			return items, false, nil
		}
		accepted = true
		return append(items, item), true, nil
	})
	return err == nil && accepted
}

func (q *fileQueue) Enqueue(ctx context.Context, item Item) bool {
	return pollUntil(ctx, q.pollInterval, func() bool { return q.TryEnqueue(item) })
}

func (q *fileQueue) Dequeue(ctx context.Context) (Item, bool) {
	var out Item
	ok := pollUntil(ctx, q.pollInterval, func() bool {
		found := false
		err := q.withLock(func(items []Item) ([]Item, bool, error) {
			if len(items) == 0 {
				return items, false, nil
			}
			out, found = items[0], true
			return items[1:], true, nil
		})
		return err == nil && found
	})
	return out, ok
}

func (q *fileQueue) Remove(id string) (Item, bool) {
	var removed Item
	found := false
	err := q.withLock(func(items []Item) ([]Item, bool, error) {
		var rest []Item
		rest, removed, found = removeItem(items, id)
		return rest, found, nil
	})
	return removed, err == nil && found
}

func (q *fileQueue) Depth() int {
	return len(q.Snapshot())
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Snapshot() []Item {
	var out []Item
	_ = q.withLock(func(items []Item) ([]Item, bool, error) {
		out = append([]Item(nil), items...)
		return items, false, nil
	})
	return out
}

func (q *fileQueue) Close() error {
	return nil
}

// withLock loads the queue under an exclusive flock on a sidecar lock file,
// applies fn and, when fn reports a change, writes the result atomically.
func (q *fileQueue) withLock(fn func(items []Item) ([]Item, bool, error)) error {
	lock, err := os.OpenFile(q.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(lock.Fd()), unix.LOCK_UN) }()

	items, err := q.load()
	if err != nil {
		return err
	}
	next, changed, err := fn(items)
	if err != nil || !changed {
		return err
	}
	return q.save(next)
}

func (q *fileQueue) load() ([]Item, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state.Items, nil
}

func (q *fileQueue) save(items []Item) error {
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(fileQueueState{Items: items})
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
