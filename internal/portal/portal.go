package portal

import (
	"fmt"
	"sort"
	"time"

	rs "github.com/agentworkforce/recordsync/internal/recordsync"
)

type Options struct {
	OwnerID        string
	Remote         rs.Remote
	Outbox         rs.Outbox
	Logger         rs.Logger
	Clock          rs.Clock
	PollInterval   time.Duration
	PollJitter     float64
	CommandTimeout time.Duration
	UndoGrace      time.Duration
	Reporter       func(rs.Failure)
	OnChange       func(kind rs.Kind, records []rs.Record)
}

// Portal owns one engine per collection for a single signed-in owner.
type Portal struct {
	ownerID string
	engines map[rs.Kind]*rs.Engine
}

func New(opts Options) (*Portal, error) {
	p := &Portal{ownerID: opts.OwnerID, engines: make(map[rs.Kind]*rs.Engine)}
	for _, collection := range Collections() {
		kind := collection.Name
		var onChange func([]rs.Record)
		if opts.OnChange != nil {
			onChange = func(records []rs.Record) { opts.OnChange(kind, records) }
		}
		engine, err := rs.NewEngine(rs.Config{
			Collection:     collection,
			OwnerID:        opts.OwnerID,
			Remote:         opts.Remote,
			PollInterval:   opts.PollInterval,
			PollJitter:     opts.PollJitter,
			CommandTimeout: opts.CommandTimeout,
			UndoGrace:      opts.UndoGrace,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
			Reporter:       opts.Reporter,
			OnChange:       onChange,
			Outbox:         opts.Outbox,
		})
		if err != nil {
			return nil, fmt.Errorf("%s engine: %w", kind, err)
		}
		p.engines[kind] = engine
	}
	// Accepting an application retires its interviews.
	p.engines[Applications].AddCascade(rs.CascadeRule{
		On:     Accept,
		Target: p.engines[Interviews],
		Kind:   Delete,
		Match:  InterviewOfApplication,
	})
	return p, nil
}

func (p *Portal) OwnerID() string {
	return p.ownerID
}

func (p *Portal) Engine(kind rs.Kind) (*rs.Engine, bool) {
	engine, ok := p.engines[kind]
	return engine, ok
}

func (p *Portal) Kinds() []rs.Kind {
	kinds := make([]rs.Kind, 0, len(p.engines))
	for kind := range p.engines {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Activate starts the named views. It activates nothing when any kind is
// unknown.
func (p *Portal) Activate(kinds ...rs.Kind) error {
	for _, kind := range kinds {
		if _, ok := p.engines[kind]; !ok {
			return fmt.Errorf("unknown collection %q", kind)
		}
	}
	for _, kind := range kinds {
		p.engines[kind].Activate()
	}
	return nil
}

// Deactivate tears down every active view.
func (p *Portal) Deactivate() {
	for _, kind := range p.Kinds() {
		p.engines[kind].Deactivate()
	}
}
