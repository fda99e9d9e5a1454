package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agentworkforce/recordsync/internal/outbox"
	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/agentworkforce/recordsync/internal/remote"
)

type backend struct {
	mu       sync.Mutex
	requests []string
	reject   bool
}

func (b *backend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.Path)
		reject := b.reject
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/job/api/notifications/5/":
			_, _ = io.WriteString(w, `[{"id": 1, "title": "Welcome", "is_read": true}, {"id": 2, "title": "Interview"}]`)
		case r.Method == http.MethodGet && r.URL.Path == "/job/api/applications/":
			_, _ = io.WriteString(w, `[{"id": 10, "status": "Pending"}, {"id": 11, "status": "Accepted"}]`)
		case r.Method == http.MethodGet && r.URL.Path == "/job/api/interviews/":
			_, _ = io.WriteString(w, `[]`)
		case r.Method == http.MethodPost && r.URL.Path == "/job/review/10/":
			if reject {
				w.WriteHeader(http.StatusConflict)
				_, _ = io.WriteString(w, `{"error": "already reviewed"}`)
				return
			}
			_, _ = io.WriteString(w, `{"status": "ok"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/job/api/interviews/create/":
			_, _ = io.WriteString(w, `{"interview": {"id": 77, "location": "Room 4"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error": "not found"}`)
		}
	})
}

func (b *backend) setReject(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = v
}

func (b *backend) count(request string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, got := range b.requests {
		if got == request {
			n++
		}
	}
	return n
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestWatchOncePrintsNormalizedSnapshot(t *testing.T) {
	b := &backend{}
	server := httptest.NewServer(b.handler())
	defer server.Close()

	out, err := run(t, "watch", "--once", "--collection", "notifications",
		"--base-url", server.URL, "--owner", "5", "--outbox", "memory://")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	var line snapshotLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", out, err)
	}
	if line.Collection != "notifications" || len(line.Records) != 2 {
		t.Fatalf("unexpected snapshot %#v", line)
	}
	if line.Records[0].ID != "1" || line.Records[0].Fields["read"] != true || line.Records[1].Fields["read"] != false {
		t.Fatalf("expected normalized read flags, got %#v", line.Records)
	}
}

func TestWatchRequiresOwner(t *testing.T) {
	t.Setenv("JOBSYNC_OWNER", "")
	if _, err := run(t, "watch", "--once", "--outbox", "memory://"); err == nil || !strings.Contains(err.Error(), "owner is required") {
		t.Fatalf("expected owner error, got %v", err)
	}
}

func TestFailedAcceptIsRetriedFromOutbox(t *testing.T) {
	b := &backend{reject: true}
	server := httptest.NewServer(b.handler())
	defer server.Close()
	outboxPath := filepath.Join(t.TempDir(), "outbox.json")
	common := []string{"--base-url", server.URL, "--owner", "5", "--outbox", outboxPath}

	_, err := run(t, append([]string{"send", "applications", "accept", "10"}, common...)...)
	var rejected *recordsync.RemoteRejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusConflict {
		t.Fatalf("expected rejected accept, got %v", err)
	}

	q, err := outbox.NewFileQueue(outboxPath, 10)
	if err != nil {
		t.Fatalf("open outbox failed: %v", err)
	}
	items := q.Snapshot()
	if len(items) != 1 || items[0].RecordID != "10" || items[0].Command != "accept" {
		t.Fatalf("expected failed accept in outbox, got %#v", items)
	}
	if !strings.Contains(items[0].Error, "already reviewed") {
		t.Fatalf("expected backend detail in outbox error, got %q", items[0].Error)
	}

	listed, err := run(t, append([]string{"outbox", "list"}, common...)...)
	if err != nil || !strings.Contains(listed, items[0].ID) {
		t.Fatalf("expected list to show %s, got %q err=%v", items[0].ID, listed, err)
	}

	b.setReject(false)
	out, err := run(t, append([]string{"outbox", "retry", "--id", items[0].ID}, common...)...)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !strings.Contains(out, "sent accept applications/10") {
		t.Fatalf("unexpected retry output %q", out)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected outbox drained, depth %d", q.Depth())
	}
	if got := b.count("POST /job/review/10/"); got != 2 {
		t.Fatalf("expected two review requests, got %d", got)
	}
}

func TestOutboxRetryWithoutIDResendsEveryItemOnce(t *testing.T) {
	b := &backend{}
	server := httptest.NewServer(b.handler())
	defer server.Close()
	outboxPath := filepath.Join(t.TempDir(), "outbox.json")
	q, err := outbox.NewFileQueue(outboxPath, 10)
	if err != nil {
		t.Fatalf("open outbox failed: %v", err)
	}
	q.TryEnqueue(outbox.Item{ID: "a", Collection: "applications", RecordID: "10", Command: "accept", Attempts: 1})
	q.TryEnqueue(outbox.Item{ID: "b", Collection: "applications", RecordID: "12", Command: "accept", Attempts: 1})

	out, err := run(t, "outbox", "retry", "--base-url", server.URL, "--owner", "5", "--outbox", outboxPath)
	if err == nil || !strings.Contains(err.Error(), "retry b") {
		t.Fatalf("expected failure for item b, got %v", err)
	}
	if !strings.Contains(out, "sent accept applications/10") || strings.Contains(out, "applications/12") {
		t.Fatalf("unexpected retry output %q", out)
	}
	if b.count("POST /job/review/10/") != 1 || b.count("POST /job/review/12/") != 1 {
		t.Fatalf("expected one request per item, got %v", b.requests)
	}
	items := q.Snapshot()
	if len(items) != 1 || items[0].ID != "b" || items[0].Attempts != 2 {
		t.Fatalf("expected only item b requeued with attempts=2, got %#v", items)
	}
}

func TestOutboxAbandonNeedsTarget(t *testing.T) {
	outboxPath := filepath.Join(t.TempDir(), "outbox.json")
	if _, err := run(t, "outbox", "abandon", "--outbox", outboxPath); err == nil {
		t.Fatalf("expected missing id error")
	}
	q, err := outbox.NewFileQueue(outboxPath, 10)
	if err != nil {
		t.Fatalf("open outbox failed: %v", err)
	}
	q.TryEnqueue(outbox.Item{ID: "a", Collection: "jobs", RecordID: "3", Command: "delete"})
	q.TryEnqueue(outbox.Item{ID: "b", Collection: "jobs", RecordID: "4", Command: "delete"})
	out, err := run(t, "outbox", "abandon", "--all", "--outbox", outboxPath)
	if err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	if strings.Count(out, "abandoned delete jobs/") != 2 || q.Depth() != 0 {
		t.Fatalf("expected both items abandoned, out=%q depth=%d", out, q.Depth())
	}
}

func TestCreateInterviewValidatesAndHandsOff(t *testing.T) {
	b := &backend{}
	server := httptest.NewServer(b.handler())
	defer server.Close()
	inbox := t.TempDir()

	_, err := run(t, "create", "interview", "--base-url", server.URL, "--inbox", inbox,
		"--payload", `{"application_id": 10, "date": "tomorrow", "time": "09:30", "location": "Room 4"}`)
	if !errors.Is(err, remote.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if got := b.count("POST /job/api/interviews/create/"); got != 0 {
		t.Fatalf("expected no request for invalid payload, got %d", got)
	}

	out, err := run(t, "create", "interview", "--base-url", server.URL, "--inbox", inbox,
		"--payload", `{"application_id": 10, "date": "2026-04-02", "time": "09:30", "location": "Room 4"}`)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !strings.Contains(out, `"interview"`) {
		t.Fatalf("expected created record in output, got %q", out)
	}
	files, _ := filepath.Glob(filepath.Join(inbox, "*.json"))
	if len(files) != 1 {
		t.Fatalf("expected one hand-off envelope, got %v", files)
	}
}

func TestParseKindsDropsBlanksAndDuplicates(t *testing.T) {
	got := parseKinds([]string{"notifications", " ", "jobs", "notifications"})
	if len(got) != 2 || got[0] != "notifications" || got[1] != "jobs" {
		t.Fatalf("unexpected kinds %v", got)
	}
}
