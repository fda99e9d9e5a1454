package recordsync

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// LocalIDPrefix namespaces synthesized ids so they can never collide with an
// id assigned by the remote.
const LocalIDPrefix = "local:"

// IDSource mints placeholder ids for hand-offs whose id cannot be resolved.
type IDSource func() string

func NewLocalID() string {
	return LocalIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// ResolveExternal normalizes a hand-off payload. The id comes from the
// schema's id keys, then its nested id keys (in which case the nested object
// is normalized instead of the wrapper), then ids.
func ResolveExternal(raw WireRecord, schema Schema, ids IDSource) Record {
	if rec, ok := Normalize(raw, schema); ok {
		return rec
	}
	for _, candidate := range schema.NestedIDKeys {
		id, ok := resolveCandidate(raw, candidate, FieldID)
		if !ok {
			continue
		}
		source := raw
		if len(candidate.Paths) == 1 && len(candidate.Paths[0]) > 1 {
			parentPath := candidate.Paths[0][:len(candidate.Paths[0])-1]
			if parent, found := lookupPath(raw, parentPath); found {
				if nested, isMap := parent.(map[string]any); isMap {
					source = nested
				}
			}
		}
		rec := normalizeFields(source, schema)
		rec.ID = id.(string)
		return rec
	}
	if ids == nil {
		ids = NewLocalID
	}
	rec := normalizeFields(raw, schema)
	rec.ID = ids()
	rec.Synthesized = true
	return rec
}

// MergeExternal folds a record handed off from another view into store without
// duplicating an id already present. It reports whether the store changed.
func MergeExternal(store *RecordStore, raw WireRecord, schema Schema, ids IDSource) (Record, bool) {
	rec := ResolveExternal(raw, schema, ids)
	if store.Has(rec.ID) {
		return rec, false
	}
	return rec, store.UpsertFront(rec)
}
