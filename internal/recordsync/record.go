package recordsync

import "context"

type Kind string

type CommandKind string

// WireRecord is a record as decoded from the remote's JSON.
type WireRecord = map[string]any

type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	// Synthesized marks a hand-off record whose remote id could not be resolved.
	Synthesized bool `json:"synthesized,omitempty"`
}

func (r Record) Clone() Record {
	out := Record{ID: r.ID, Synthesized: r.Synthesized}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for key, value := range r.Fields {
			out.Fields[key] = value
		}
	}
	return out
}

func (r Record) String(field string) string {
	value, _ := r.Fields[field].(string)
	return value
}

func (r Record) Bool(field string) bool {
	value, _ := r.Fields[field].(bool)
	return value
}

// Remote is the abstract job-portal backend the engine consumes.
type Remote interface {
	FetchList(ctx context.Context, kind Kind, ownerID string) ([]WireRecord, error)
	SendCommand(ctx context.Context, kind Kind, id string, command CommandKind, payload map[string]any) error
	CreateRecord(ctx context.Context, kind Kind, payload map[string]any) (WireRecord, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
