package recordsync

import (
	"context"
	"sync"
)

type CommandClass int

const (
	// Idempotent commands are never rolled back; the next poll self-corrects.
	Idempotent CommandClass = iota
	// Destructive command failures are reported with the removed record attached
	// and recorded for a user-confirmed retry.
	Destructive
)

func (c CommandClass) String() string {
	if c == Destructive {
		return "destructive"
	}
	return "idempotent"
}

// Effect is the local change a command makes before the remote confirms it.
type Effect struct {
	Patch  map[string]any
	Remove bool
}

func PatchEffect(fields map[string]any) Effect {
	return Effect{Patch: fields}
}

func RemovalEffect() Effect {
	return Effect{Remove: true}
}

// Completion is the future for one remote command.
type Completion struct {
	done    chan struct{}
	err     error
	removed *Record
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err is only meaningful once Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Removed returns the record the command removed optimistically, if any.
func (c *Completion) Removed() *Record {
	select {
	case <-c.done:
		return c.removed
	default:
		return nil
	}
}

func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) resolve(err error) {
	c.err = err
	close(c.done)
}

type Mutation struct {
	ID      string
	Command CommandKind
	Effect  Effect
	Class   CommandClass
	Send    func() error
}

type inflightKey struct {
	id      string
	command CommandKind
}

// OptimisticMutator applies local effects and tracks in-flight commands for
// one store. Apply and Overlay must be called with lock held; the remote
// completion reacquires lock before touching any state.
type OptimisticMutator struct {
	lock     sync.Locker
	inflight map[inflightKey]Effect
}

func NewOptimisticMutator(lock sync.Locker) *OptimisticMutator {
	return &OptimisticMutator{
		lock:     lock,
		inflight: map[inflightKey]Effect{},
	}
}

// Apply changes store synchronously and issues m.Send on its own goroutine.
// A second mutation for an (id, command) pair that is still in flight is
// rejected with ErrBusy and nothing is sent. settle runs under lock once the
// command resolves; the func it returns, if any, runs after the lock is
// released and before the Completion is signalled.
func (m *OptimisticMutator) Apply(store *RecordStore, mutation Mutation, settle func(removed *Record, err error) func()) (*Completion, error) {
	key := inflightKey{id: mutation.ID, command: mutation.Command}
	if _, busy := m.inflight[key]; busy {
		return nil, ErrBusy
	}
	m.inflight[key] = mutation.Effect

	completion := newCompletion()
	var removed *Record
	switch {
	case mutation.Effect.Remove:
		if rec, ok := store.Remove(mutation.ID); ok {
			removed = &rec
		}
	case len(mutation.Effect.Patch) > 0:
		store.Patch(mutation.ID, mutation.Effect.Patch)
	}
	completion.removed = removed

	go func() {
		err := mutation.Send()
		var after func()
		m.lock.Lock()
		delete(m.inflight, key)
		if settle != nil {
			after = settle(removed, err)
		}
		m.lock.Unlock()
		if after != nil {
			after()
		}
		completion.resolve(err)
	}()
	return completion, nil
}

// Busy reports whether a command for (id, command) is in flight.
func (m *OptimisticMutator) Busy(id string, command CommandKind) bool {
	_, busy := m.inflight[inflightKey{id: id, command: command}]
	return busy
}

// InFlight is the number of unresolved commands.
func (m *OptimisticMutator) InFlight() int {
	return len(m.inflight)
}

// Overlay re-applies in-flight effects to a fresh refresh so a poll racing an
// optimistic edit does not undo it on screen.
func (m *OptimisticMutator) Overlay(records []Record) []Record {
	if len(m.inflight) == 0 {
		return records
	}
	removed := map[string]bool{}
	patches := map[string][]map[string]any{}
	for key, effect := range m.inflight {
		if effect.Remove {
			removed[key.id] = true
			continue
		}
		if len(effect.Patch) > 0 {
			patches[key.id] = append(patches[key.id], effect.Patch)
		}
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if removed[rec.ID] {
			continue
		}
		if pending := patches[rec.ID]; len(pending) > 0 {
			rec = rec.Clone()
			if rec.Fields == nil {
				rec.Fields = map[string]any{}
			}
			for _, patch := range pending {
				for field, value := range patch {
					rec.Fields[field] = value
				}
			}
		}
		out = append(out, rec)
	}
	return out
}
