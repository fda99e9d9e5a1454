package portal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rs "github.com/agentworkforce/recordsync/internal/recordsync"
)

type stubRemote struct {
	mu    sync.Mutex
	lists map[rs.Kind][]rs.WireRecord
	sent  []string
}

func (r *stubRemote) FetchList(ctx context.Context, kind rs.Kind, ownerID string) ([]rs.WireRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rs.WireRecord(nil), r.lists[kind]...), nil
}

func (r *stubRemote) SendCommand(ctx context.Context, kind rs.Kind, id string, command rs.CommandKind, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(kind)+"/"+id+"/"+string(command))
	return nil
}

func (r *stubRemote) CreateRecord(ctx context.Context, kind rs.Kind, payload map[string]any) (rs.WireRecord, error) {
	return nil, errors.New("not supported")
}

func (r *stubRemote) sentCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPortalAcceptCascadesToInterviews(t *testing.T) {
	remote := &stubRemote{lists: map[rs.Kind][]rs.WireRecord{
		Applications: {
			{"id": float64(10), "status": "Pending"},
			{"id": float64(11), "status": "Pending"},
			{"id": float64(12), "status": "Accepted"},
		},
		Interviews: {
			{"id": float64(100), "application": map[string]any{"id": float64(10)}},
			{"id": float64(101), "application_id": float64(11)},
		},
	}}
	p, err := New(Options{OwnerID: "5", Remote: remote, PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("new portal failed: %v", err)
	}
	t.Cleanup(p.Deactivate)
	if err := p.Activate(Applications, Interviews); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	apps, _ := p.Engine(Applications)
	interviews, _ := p.Engine(Interviews)
	eventually(t, "pending applications loaded", func() bool { return len(apps.Snapshot()) == 2 })
	eventually(t, "interviews loaded", func() bool { return len(interviews.Snapshot()) == 2 })

	completion, err := apps.Mutate(context.Background(), "10", Accept, nil)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := completion.Wait(context.Background()); err != nil {
		t.Fatalf("accept completion failed: %v", err)
	}

	eventually(t, "interview 100 removed", func() bool {
		left := interviews.Snapshot()
		return len(left) == 1 && left[0].ID == "101"
	})
	found := false
	for _, sent := range remote.sentCommands() {
		if sent == "interviews/100/delete" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cascaded delete to reach the remote, sent %v", remote.sentCommands())
	}
}

func TestPortalActivateRejectsUnknownCollection(t *testing.T) {
	p, err := New(Options{Remote: &stubRemote{}, PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("new portal failed: %v", err)
	}
	if err := p.Activate(Jobs, "resumes"); err == nil {
		t.Fatalf("expected unknown collection error")
	}
	jobs, _ := p.Engine(Jobs)
	if jobs.Active() {
		t.Fatalf("expected no engine to be activated")
	}
	if got := p.Kinds(); len(got) != 4 || got[0] != Applications {
		t.Fatalf("unexpected kinds %v", got)
	}
}
