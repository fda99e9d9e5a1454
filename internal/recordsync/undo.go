package recordsync

import (
	"sync"
	"time"
)

type UndoState int

const (
	UndoPending UndoState = iota
	UndoRestored
	UndoFinalized
)

func (s UndoState) String() string {
	switch s {
	case UndoRestored:
		return "restored"
	case UndoFinalized:
		return "finalized"
	default:
		return "pending"
	}
}

// UndoHandle identifies one deferred removal.
type UndoHandle struct {
	buffer     *UndoBuffer
	store      *RecordStore
	record     Record
	timer      Timer
	state      UndoState
	deadline   time.Time
	onFinalize func(Record)
}

func (h *UndoHandle) Record() Record {
	return h.record.Clone()
}

func (h *UndoHandle) Deadline() time.Time {
	return h.deadline
}

func (h *UndoHandle) State() UndoState {
	h.buffer.lock.Lock()
	defer h.buffer.lock.Unlock()
	return h.state
}

// UndoBuffer holds optimistically removed records for a grace window. All
// methods expect lock to be held; timer callbacks acquire it themselves, so a
// Restore that wins the lock always beats the finalize.
type UndoBuffer struct {
	lock    sync.Locker
	clock   Clock
	pending []*UndoHandle
}

func NewUndoBuffer(lock sync.Locker, clock Clock) *UndoBuffer {
	if clock == nil {
		clock = RealClock{}
	}
	return &UndoBuffer{lock: lock, clock: clock}
}

// DeferRemoval removes record from store now and calls onFinalize once grace
// elapses unless Restore is called first. onFinalize runs with lock held and
// must not block.
func (b *UndoBuffer) DeferRemoval(store *RecordStore, record Record, grace time.Duration, onFinalize func(Record)) *UndoHandle {
	store.Remove(record.ID)
	handle := &UndoHandle{
		buffer:     b,
		store:      store,
		record:     record.Clone(),
		state:      UndoPending,
		deadline:   b.clock.Now().Add(grace),
		onFinalize: onFinalize,
	}
	b.pending = append(b.pending, handle)
	handle.timer = b.clock.AfterFunc(grace, func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		b.finalize(handle)
	})
	return handle
}

// Restore puts the record back at the front of its store. It is a no-op
// unless the handle is still pending.
func (b *UndoBuffer) Restore(handle *UndoHandle) bool {
	if handle == nil || handle.buffer != b || handle.state != UndoPending {
		return false
	}
	handle.timer.Stop()
	handle.state = UndoRestored
	b.drop(handle)
	handle.store.UpsertFront(handle.record)
	return true
}

// FinalizeAll commits every pending removal immediately.
func (b *UndoBuffer) FinalizeAll() int {
	pending := append([]*UndoHandle(nil), b.pending...)
	for _, handle := range pending {
		handle.timer.Stop()
		b.finalize(handle)
	}
	return len(pending)
}

// Pending lists unresolved handles, oldest first.
func (b *UndoBuffer) Pending() []*UndoHandle {
	return append([]*UndoHandle(nil), b.pending...)
}

// Has reports whether a removal of id is still pending.
func (b *UndoBuffer) Has(id string) bool {
	for _, handle := range b.pending {
		if handle.record.ID == id {
			return true
		}
	}
	return false
}

func (b *UndoBuffer) PendingIDs() map[string]bool {
	ids := make(map[string]bool, len(b.pending))
	for _, handle := range b.pending {
		ids[handle.record.ID] = true
	}
	return ids
}

func (b *UndoBuffer) finalize(handle *UndoHandle) {
	if handle.state != UndoPending {
		return
	}
	handle.state = UndoFinalized
	b.drop(handle)
	if handle.onFinalize != nil {
		handle.onFinalize(handle.record.Clone())
	}
}

func (b *UndoBuffer) drop(handle *UndoHandle) {
	for i, candidate := range b.pending {
		if candidate == handle {
			b.pending = append(b.pending[:i:i], b.pending[i+1:]...)
			return
		}
	}
}
