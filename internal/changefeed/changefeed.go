package changefeed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	rs "github.com/agentworkforce/recordsync/internal/recordsync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Hint is a pushed notice that a collection changed on the remote.
type Hint struct {
	Collection rs.Kind `json:"collection"`
	Owner      string  `json:"owner,omitempty"`
}

// Target is a view that can refresh out of cadence.
type Target interface {
	Kind() rs.Kind
	OwnerID() string
	Hint()
}

type Options struct {
	URL        string
	Token      string
	Targets    []Target
	HTTPClient *http.Client
	Logger     rs.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Subscriber listens for change hints and turns each into a refresh of the
// matching views. Polling stays authoritative; a lost feed only delays
// updates until the next tick.
type Subscriber struct {
	url        string
	token      string
	targets    []Target
	httpClient *http.Client
	logger     rs.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	connects atomic.Int64
	hints    atomic.Int64
}

func NewSubscriber(opts Options) (*Subscriber, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("change feed url is required")
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &Subscriber{
		url:        url,
		token:      strings.TrimSpace(opts.Token),
		targets:    append([]Target(nil), opts.Targets...),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}, nil
}

// Run keeps a subscription open until ctx ends, reconnecting with capped
// exponential backoff. It always returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	failures := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
		}
		failures++
		delay := backoffDelay(failures, s.minBackoff, s.maxBackoff)
		s.logf("change feed disconnected: %v; reconnecting in %s", err, delay)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

// Connects reports how many subscriptions were established.
func (s *Subscriber) Connects() int64 {
	return s.connects.Load()
}

// Dispatched reports how many hints reached at least one view.
func (s *Subscriber) Dispatched() int64 {
	return s.hints.Load()
}

func (s *Subscriber) session(ctx context.Context) (bool, error) {
	opts := &websocket.DialOptions{HTTPClient: s.httpClient}
	if s.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.token}}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	s.connects.Add(1)
	s.logf("change feed connected to %s", s.url)

	for {
		var hint Hint
		if err := wsjson.Read(ctx, conn, &hint); err != nil {
			return true, err
		}
		if s.dispatch(hint) > 0 {
			s.hints.Add(1)
		}
	}
}

// dispatch hints every target of the hinted collection. An empty owner
// addresses every owner.
func (s *Subscriber) dispatch(hint Hint) int {
	kind := rs.Kind(strings.TrimSpace(string(hint.Collection)))
	owner := strings.TrimSpace(hint.Owner)
	if kind == "" {
		return 0
	}
	n := 0
	for _, target := range s.targets {
		if target.Kind() != kind {
			continue
		}
		if owner != "" && target.OwnerID() != owner {
			continue
		}
		target.Hint()
		n++
	}
	return n
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func backoffDelay(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := minDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
