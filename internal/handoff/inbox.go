package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	rs "github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

const (
	envelopeSuffix = ".json"
	rejectedSuffix = ".rejected"
)

var ErrMalformed = errors.New("malformed hand-off")

// Envelope is one record passed from another view, such as a freshly created
// interview handed to the interviews list.
type Envelope struct {
	Collection rs.Kind       `json:"collection"`
	Record     rs.WireRecord `json:"record"`
}

// Merger accepts hand-offs for one collection.
type Merger interface {
	Kind() rs.Kind
	MergeExternal(raw rs.WireRecord) (rs.Record, bool, error)
}

// Inbox delivers envelopes dropped into a directory to the matching view.
// Delivered files are removed; malformed ones are renamed with a .rejected
// suffix. Envelopes for an inactive view stay until it is active again.
type Inbox struct {
	dir     string
	targets map[rs.Kind]Merger
	logger  rs.Logger
}

func NewInbox(dir string, targets []Merger, logger rs.Logger) (*Inbox, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	byKind := make(map[rs.Kind]Merger, len(targets))
	for _, target := range targets {
		byKind[target.Kind()] = target
	}
	return &Inbox{dir: dir, targets: byKind, logger: logger}, nil
}

func (i *Inbox) Dir() string {
	return i.dir
}

// Drain delivers every envelope already in the directory, oldest name first,
// and reports how many were merged.
func (i *Inbox) Drain() (int, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), envelopeSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	merged := 0
	for _, name := range names {
		ok, err := i.deliver(filepath.Join(i.dir, name))
		if err != nil {
			i.logf("hand-off %s not delivered: %v", name, err)
			continue
		}
		if ok {
			merged++
		}
	}
	return merged, nil
}

// Watch drains the inbox and then delivers new envelopes as they appear
// until ctx ends.
func (i *Inbox) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(i.dir); err != nil {
		return err
	}
	if _, err := i.Drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(event.Name, envelopeSuffix) {
				continue
			}
			if _, err := i.deliver(event.Name); err != nil {
				i.logf("hand-off %s not delivered: %v", filepath.Base(event.Name), err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logf("inbox watch error: %v", err)
		}
	}
}

// deliver merges one envelope. It reports whether the target store changed.
func (i *Inbox) deliver(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Already delivered by an earlier event.
			return false, nil
		}
		return false, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, i.reject(path, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if env.Record == nil {
		return false, i.reject(path, fmt.Errorf("%w: missing record", ErrMalformed))
	}
	target, ok := i.targets[env.Collection]
	if !ok {
		return false, i.reject(path, fmt.Errorf("%w: unknown collection %q", ErrMalformed, env.Collection))
	}
	rec, added, err := target.MergeExternal(env.Record)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return added, err
	}
	if added {
		i.logf("hand-off merged %s/%s", env.Collection, rec.ID)
	}
	return added, nil
}

func (i *Inbox) reject(path string, cause error) error {
	if err := os.Rename(path, path+rejectedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(cause, err)
	}
	return cause
}

func (i *Inbox) logf(format string, args ...any) {
	if i.logger == nil {
		return
	}
	i.logger.Printf(format, args...)
}

// Write drops env into dir. The file appears under its final name only once
// complete.
func Write(dir string, env Envelope) (string, error) {
	if strings.TrimSpace(string(env.Collection)) == "" || env.Record == nil {
		return "", ErrMalformed
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	name := ulid.Make().String() + envelopeSuffix
	tmp, err := os.CreateTemp(dir, ".handoff-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}
