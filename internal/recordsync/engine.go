package recordsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultCommandTimeout = 15 * time.Second
	DefaultUndoGrace      = 4 * time.Second
	DefaultDeleteCommand  = CommandKind("delete")
)

// CommandSpec describes how a command changes local state before the remote
// confirms it.
type CommandSpec struct {
	Class  CommandClass
	Effect Effect
}

// Collection binds a schema and command table to one kind of record.
type Collection struct {
	Name     Kind
	Schema   Schema
	Commands map[CommandKind]CommandSpec
	// Keep filters refresh results; nil keeps everything.
	Keep func(Record) bool
	// DeleteCommand is issued when an undo window elapses. Defaults to "delete".
	DeleteCommand CommandKind
}

// CascadeRule issues Kind on every record of Target that matches the primary
// record once the primary command On succeeds.
type CascadeRule struct {
	On     CommandKind
	Target *Engine
	Kind   CommandKind
	Match  func(primary, candidate Record) bool
}

// Outbox records failed destructive commands for a user-confirmed retry.
type Outbox interface {
	RecordFailure(ctx context.Context, failure Failure, payload map[string]any) error
}

type Config struct {
	Collection     Collection
	OwnerID        string
	Remote         Remote
	PollInterval   time.Duration
	PollJitter     float64
	CommandTimeout time.Duration
	UndoGrace      time.Duration
	Clock          Clock
	Logger         Logger
	// Reporter receives user-visible command failures.
	Reporter func(Failure)
	// OnChange receives a snapshot after every store change. Deliveries are
	// serialized and never older than one already delivered; the callback may
	// read the engine but must not mutate it.
	OnChange func([]Record)
	Outbox   Outbox
	IDSource IDSource
}

// Engine keeps one collection's records in step with the remote for as long
// as its view is active.
type Engine struct {
	collection     Collection
	ownerID        string
	remote         Remote
	pollInterval   time.Duration
	commandTimeout time.Duration
	undoGrace      time.Duration
	logger         Logger
	reporter       func(Failure)
	onChange       func([]Record)
	outbox         Outbox
	ids            IDSource

	poller *PollScheduler

	mu         sync.Mutex
	notifyMu   sync.Mutex
	active     bool
	session    uint64
	ctx        context.Context
	cancel     context.CancelFunc
	store      *RecordStore
	mutator    *OptimisticMutator
	undo       *UndoBuffer
	cascades   []CascadeRule
	fetchSeq   uint64
	appliedSeq uint64
	// changeSeq is guarded by mu, deliveredSeq by notifyMu.
	changeSeq    uint64
	deliveredSeq uint64
}

// origin describes how a command came to be issued.
type origin struct {
	// removed stands in for the store's removal when the record left the store
	// before the command was applied, as when an undo window elapses.
	removed *Record
	// cascade commands are logged by the engine whose command triggered them
	// and never reach this engine's reporter.
	cascade bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Collection.Name == "" {
		return nil, errors.New("collection name is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("remote is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.UndoGrace <= 0 {
		cfg.UndoGrace = DefaultUndoGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.IDSource == nil {
		cfg.IDSource = NewLocalID
	}
	if cfg.Collection.DeleteCommand == "" {
		cfg.Collection.DeleteCommand = DefaultDeleteCommand
	}
	e := &Engine{
		collection:     cfg.Collection,
		ownerID:        cfg.OwnerID,
		remote:         cfg.Remote,
		pollInterval:   cfg.PollInterval,
		commandTimeout: cfg.CommandTimeout,
		undoGrace:      cfg.UndoGrace,
		logger:         cfg.Logger,
		reporter:       cfg.Reporter,
		onChange:       cfg.OnChange,
		outbox:         cfg.Outbox,
		ids:            cfg.IDSource,
		poller:         NewPollScheduler(cfg.Clock, cfg.PollJitter),
	}
	e.mutator = NewOptimisticMutator(&e.mu)
	e.undo = NewUndoBuffer(&e.mu, cfg.Clock)
	return e, nil
}

func (e *Engine) Kind() Kind {
	return e.collection.Name
}

func (e *Engine) OwnerID() string {
	return e.ownerID
}

func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// AddCascade registers a dependent command on another collection.
func (e *Engine) AddCascade(rule CascadeRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cascades = append(e.cascades, rule)
}

// Activate starts a session with an empty store and begins polling. It is a
// no-op while already active.
func (e *Engine) Activate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return
	}
	e.active = true
	e.session++
	e.store = NewRecordStore()
	e.ctx, e.cancel = context.WithCancel(context.Background())
	session, ctx := e.session, e.ctx
	e.poller.Start(e.pollInterval, func(uint64) {
		go e.refresh(ctx, session)
	})
}

// Deactivate stops polling, commits pending undo entries and discards the
// store. Results of fetches still in flight are dropped.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.active = false
	e.session++
	e.poller.Stop()
	e.cancel()
	if n := e.undo.FinalizeAll(); n > 0 {
		logf(e.logger, "%s: finalized %d pending removals on teardown", e.collection.Name, n)
	}
	e.store = nil
}

func (e *Engine) Snapshot() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.Snapshot()
}

// RefreshNow runs a fetch outside the poll cadence and waits for it.
func (e *Engine) RefreshNow(ctx context.Context) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrInactive
	}
	session := e.session
	e.mu.Unlock()
	return e.refresh(ctx, session)
}

// Hint schedules an asynchronous refresh, typically on a pushed change notice.
func (e *Engine) Hint() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	session, ctx := e.session, e.ctx
	e.mu.Unlock()
	go e.refresh(ctx, session)
}

func (e *Engine) refresh(ctx context.Context, session uint64) error {
	e.mu.Lock()
	if !e.live(session) {
		e.mu.Unlock()
		return ErrStaleDiscarded
	}
	e.fetchSeq++
	seq := e.fetchSeq
	e.mu.Unlock()

	raw, err := e.remote.FetchList(ctx, e.collection.Name, e.ownerID)
	if err != nil {
		logf(e.logger, "%s: poll failed: %v", e.collection.Name, err)
		return err
	}
	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		rec, ok := Normalize(item, e.collection.Schema)
		if !ok {
			logf(e.logger, "%s: dropping record without id", e.collection.Name)
			continue
		}
		if e.collection.Keep != nil && !e.collection.Keep(rec) {
			continue
		}
		records = append(records, rec)
	}

	e.mu.Lock()
	if !e.live(session) || seq < e.appliedSeq {
		e.mu.Unlock()
		logf(e.logger, "%s: discarded stale poll result", e.collection.Name)
		return ErrStaleDiscarded
	}
	e.appliedSeq = seq
	if pending := e.undo.PendingIDs(); len(pending) > 0 {
		kept := records[:0]
		for _, rec := range records {
			if !pending[rec.ID] {
				kept = append(kept, rec)
			}
		}
		records = kept
	}
	e.store.ReplaceAll(e.mutator.Overlay(records))
	e.unlockNotify(true)
	return nil
}

// Mutate applies the command's local effect and sends it to the remote. The
// returned error is immediate (ErrInactive, ErrUnknownCommand, ErrBusy,
// ErrNotFound); remote outcomes arrive through the Completion and Reporter.
func (e *Engine) Mutate(ctx context.Context, id string, kind CommandKind, payload map[string]any) (*Completion, error) {
	e.mu.Lock()
	completion, err := e.mutateLocked(ctx, id, kind, payload, origin{})
	e.unlockNotify(err == nil)
	return completion, err
}

// cascade issues kind on id on behalf of another engine's command.
func (e *Engine) cascade(id string, kind CommandKind) (*Completion, error) {
	e.mu.Lock()
	completion, err := e.mutateLocked(context.Background(), id, kind, nil, origin{cascade: true})
	e.unlockNotify(err == nil)
	return completion, err
}

// MutateAll issues kind on every matching record, skipping records with the
// same command already in flight, and waits for the outcomes.
func (e *Engine) MutateAll(ctx context.Context, kind CommandKind, match func(Record) bool) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrInactive
	}
	if _, ok := e.collection.Commands[kind]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrUnknownCommand, kind, e.collection.Name)
	}
	var targets []string
	for _, rec := range e.store.Snapshot() {
		if IsLocalID(rec.ID) || e.mutator.Busy(rec.ID, kind) {
			continue
		}
		if match == nil || match(rec) {
			targets = append(targets, rec.ID)
		}
	}
	var completions []*Completion
	var errs []error
	for _, id := range targets {
		completion, err := e.mutateLocked(ctx, id, kind, nil, origin{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		completions = append(completions, completion)
	}
	e.unlockNotify(len(completions) > 0)
	for _, completion := range completions {
		if err := completion.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) mutateLocked(ctx context.Context, id string, kind CommandKind, payload map[string]any, from origin) (*Completion, error) {
	if !e.active {
		return nil, ErrInactive
	}
	spec, ok := e.collection.Commands[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownCommand, kind, e.collection.Name)
	}
	if IsLocalID(id) {
		return nil, fmt.Errorf("%w: %s has no remote id yet", ErrNotFound, id)
	}
	// A record waiting out its undo window belongs to the undo buffer until
	// it is restored or finalized.
	if e.mutator.Busy(id, kind) || e.undo.Has(id) {
		return nil, ErrBusy
	}
	primary, found := e.store.Get(id)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	completion, err := e.mutator.Apply(e.store, Mutation{
		ID:      id,
		Command: kind,
		Effect:  spec.Effect,
		Class:   spec.Class,
		Send:    e.sender(ctx, id, kind, payload),
	}, e.settle(e.session, primary, kind, spec.Class, payload, from))
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// DeleteWithUndo removes id now and sends the delete command once grace
// elapses, unless the handle is restored first. A non-positive grace uses the
// configured default.
func (e *Engine) DeleteWithUndo(id string, grace time.Duration) (*UndoHandle, error) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil, ErrInactive
	}
	command := e.collection.DeleteCommand
	spec, ok := e.collection.Commands[command]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownCommand, command, e.collection.Name)
	}
	rec, found := e.store.Get(id)
	if !found {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.mutator.Busy(id, command) {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	if grace <= 0 {
		grace = e.undoGrace
	}
	store, session := e.store, e.session
	handle := e.undo.DeferRemoval(store, rec, grace, func(final Record) {
		e.finalizeRemoval(store, session, final, command, spec)
	})
	e.unlockNotify(true)
	return handle, nil
}

// finalizeRemoval runs with e.mu held, from the undo timer or teardown.
func (e *Engine) finalizeRemoval(store *RecordStore, session uint64, rec Record, command CommandKind, spec CommandSpec) {
	_, err := e.mutator.Apply(store, Mutation{
		ID:      rec.ID,
		Command: command,
		Effect:  RemovalEffect(),
		Class:   spec.Class,
		Send:    e.sender(context.Background(), rec.ID, command, nil),
	}, e.settle(session, rec, command, spec.Class, nil, origin{removed: &rec}))
	if err != nil {
		logf(e.logger, "%s: finalize %s failed: %v", e.collection.Name, rec.ID, err)
	}
}

// Restore undoes a pending DeleteWithUndo. It reports false once the handle
// has been restored or finalized.
func (e *Engine) Restore(handle *UndoHandle) bool {
	e.mu.Lock()
	restored := e.undo.Restore(handle)
	e.unlockNotify(restored && e.active)
	return restored
}

// PendingUndo lists deferred removals that can still be restored.
func (e *Engine) PendingUndo() []*UndoHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo.Pending()
}

// MergeExternal folds a record handed off from another view into the store.
// It reports whether the store changed.
func (e *Engine) MergeExternal(raw WireRecord) (Record, bool, error) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return Record{}, false, ErrInactive
	}
	rec, added := MergeExternal(e.store, raw, e.collection.Schema, e.ids)
	if added && rec.Synthesized {
		logf(e.logger, "%s: hand-off without resolvable id stored as %s", e.collection.Name, rec.ID)
	}
	e.unlockNotify(added)
	return rec, added, nil
}

// Reinsert puts a record back at the front of the store, typically after a
// reported destructive failure.
func (e *Engine) Reinsert(rec Record) bool {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return false
	}
	added := e.store.UpsertFront(rec)
	e.unlockNotify(added)
	return added
}

func (e *Engine) matchingIDs(match func(Record) bool) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil, ErrInactive
	}
	var ids []string
	for _, rec := range e.store.Snapshot() {
		if match(rec) {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (e *Engine) sender(ctx context.Context, id string, kind CommandKind, payload map[string]any) func() error {
	ctx = context.WithoutCancel(ctx)
	return func() error {
		ctx, cancel := context.WithTimeout(ctx, e.commandTimeout)
		defer cancel()
		return e.remote.SendCommand(ctx, e.collection.Name, id, kind, payload)
	}
}

// settle builds the completion hook for one command. The returned func runs
// under e.mu; the hook it returns runs after the lock is released.
func (e *Engine) settle(session uint64, primary Record, kind CommandKind, class CommandClass, payload map[string]any, from origin) func(*Record, error) func() {
	return func(removed *Record, err error) func() {
		if removed == nil {
			removed = from.removed
		}
		if err == nil {
			rules := e.cascadesFor(kind)
			if len(rules) == 0 {
				return nil
			}
			return func() { e.runCascades(primary, rules) }
		}
		failure := Failure{
			Collection: e.collection.Name,
			RecordID:   primary.ID,
			Command:    kind,
			Err:        err,
		}
		if removed != nil {
			rec := removed.Clone()
			failure.Record = &rec
		}
		live := e.live(session)
		return func() {
			if class == Destructive && e.outbox != nil {
				ctx, cancel := context.WithTimeout(context.Background(), e.commandTimeout)
				if recordErr := e.outbox.RecordFailure(ctx, failure, payload); recordErr != nil {
					logf(e.logger, "%s: outbox write for %s failed: %v", e.collection.Name, primary.ID, recordErr)
				}
				cancel()
			}
			if !live {
				logf(e.logger, "%s: %s %s result arrived after teardown: %v", e.collection.Name, kind, primary.ID, err)
				return
			}
			if from.cascade {
				return
			}
			if class == Idempotent {
				logf(e.logger, "%s: %s %s failed, next poll will reconcile: %v", e.collection.Name, kind, primary.ID, err)
			}
			if e.reporter != nil {
				e.reporter(failure)
			}
		}
	}
}

func (e *Engine) cascadesFor(kind CommandKind) []CascadeRule {
	var rules []CascadeRule
	for _, rule := range e.cascades {
		if rule.On == kind && rule.Target != nil && rule.Match != nil {
			rules = append(rules, rule)
		}
	}
	return rules
}

// runCascades issues dependent commands through the target engines. Failures
// are logged and never touch the primary.
func (e *Engine) runCascades(primary Record, rules []CascadeRule) {
	for _, rule := range rules {
		ids, err := rule.Target.matchingIDs(func(candidate Record) bool {
			return rule.Match(primary, candidate)
		})
		if err != nil {
			logf(e.logger, "%s: cascade %s to %s skipped: %v", e.collection.Name, rule.Kind, rule.Target.Kind(), err)
			continue
		}
		for _, id := range ids {
			completion, err := rule.Target.cascade(id, rule.Kind)
			if err != nil {
				logf(e.logger, "%s: cascade %s %s/%s failed: %v", e.collection.Name, rule.Kind, rule.Target.Kind(), id, err)
				continue
			}
			go func(id string, kind CommandKind, target Kind) {
				<-completion.Done()
				if err := completion.Err(); err != nil {
					logf(e.logger, "%s: cascade %s %s/%s failed: %v", e.collection.Name, kind, target, id, err)
				}
			}(id, rule.Kind, rule.Target.Kind())
		}
	}
}

func (e *Engine) live(session uint64) bool {
	return e.active && e.session == session
}

// unlockNotify releases e.mu and, when changed, hands a snapshot to OnChange.
// e.mu is released before notifyMu is taken; a snapshot overtaken by a newer
// delivery is dropped.
func (e *Engine) unlockNotify(changed bool) {
	if !changed || e.onChange == nil || e.store == nil {
		e.mu.Unlock()
		return
	}
	e.changeSeq++
	seq, snap := e.changeSeq, e.store.Snapshot()
	e.mu.Unlock()

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if seq <= e.deliveredSeq {
		return
	}
	e.deliveredSeq = seq
	e.onChange(snap)
}
