package recordsync

// RecordStore is an ordered, id-unique list of records for one collection
// instance. It is not safe for concurrent use; the owning engine serializes
// access. No operation performs I/O or returns an error.
type RecordStore struct {
	records []Record
	index   map[string]int
}

func NewRecordStore() *RecordStore {
	return &RecordStore{index: map[string]int{}}
}

// ReplaceAll swaps in a full refresh. Later duplicates of an id are dropped.
func (s *RecordStore) ReplaceAll(records []Record) {
	s.records = make([]Record, 0, len(records))
	s.index = make(map[string]int, len(records))
	for _, rec := range records {
		if _, exists := s.index[rec.ID]; exists {
			continue
		}
		s.index[rec.ID] = len(s.records)
		s.records = append(s.records, rec.Clone())
	}
}

// UpsertFront inserts rec at the front unless its id is already present, in
// which case the store is left untouched. It reports whether rec was inserted.
func (s *RecordStore) UpsertFront(rec Record) bool {
	if _, exists := s.index[rec.ID]; exists {
		return false
	}
	s.records = append([]Record{rec.Clone()}, s.records...)
	s.reindex()
	return true
}

// Remove deletes the record with id and returns it. Missing ids are a no-op.
func (s *RecordStore) Remove(id string) (Record, bool) {
	pos, exists := s.index[id]
	if !exists {
		return Record{}, false
	}
	removed := s.records[pos]
	s.records = append(s.records[:pos:pos], s.records[pos+1:]...)
	s.reindex()
	return removed, true
}

// Patch shallow-merges partial into the record's fields. Missing ids are a no-op.
func (s *RecordStore) Patch(id string, partial map[string]any) bool {
	pos, exists := s.index[id]
	if !exists {
		return false
	}
	rec := s.records[pos].Clone()
	if rec.Fields == nil {
		rec.Fields = make(map[string]any, len(partial))
	}
	for key, value := range partial {
		rec.Fields[key] = value
	}
	s.records[pos] = rec
	return true
}

func (s *RecordStore) Get(id string) (Record, bool) {
	pos, exists := s.index[id]
	if !exists {
		return Record{}, false
	}
	return s.records[pos].Clone(), true
}

func (s *RecordStore) Has(id string) bool {
	_, exists := s.index[id]
	return exists
}

func (s *RecordStore) Len() int {
	return len(s.records)
}

// Snapshot returns a copy of the current ordered list for rendering.
func (s *RecordStore) Snapshot() []Record {
	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

func (s *RecordStore) reindex() {
	s.index = make(map[string]int, len(s.records))
	for i, rec := range s.records {
		s.index[rec.ID] = i
	}
}
