package recordsync

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type FieldType int

const (
	FieldAny FieldType = iota
	FieldString
	FieldBool
	FieldNumber
	FieldID
)

// Candidate is one way of reading a canonical field from a wire record: either
// a single key path, or several paths whose non-empty string values are joined.
type Candidate struct {
	Paths [][]string
	Sep   string
}

func Key(path ...string) Candidate {
	return Candidate{Paths: [][]string{path}}
}

func Joined(sep string, paths ...[]string) Candidate {
	return Candidate{Paths: paths, Sep: sep}
}

type FieldSpec struct {
	Name       string
	Type       FieldType
	Candidates []Candidate
	Default    any
}

// Schema is the canonical shape of one collection. Candidates are tried in
// order; the first one that resolves wins.
type Schema struct {
	IDKeys       []Candidate
	NestedIDKeys []Candidate
	Fields       []FieldSpec
}

// Normalize maps a wire record onto the schema's canonical shape. It reports
// false when no id resolves. raw is never modified.
func Normalize(raw WireRecord, schema Schema) (Record, bool) {
	id, ok := resolveFirst(raw, schema.IDKeys, FieldID)
	rec := normalizeFields(raw, schema)
	if !ok {
		return rec, false
	}
	rec.ID = id.(string)
	return rec, true
}

func normalizeFields(raw WireRecord, schema Schema) Record {
	rec := Record{Fields: make(map[string]any, len(schema.Fields))}
	for _, field := range schema.Fields {
		if value, ok := resolveFirst(raw, field.Candidates, field.Type); ok {
			rec.Fields[field.Name] = value
			continue
		}
		rec.Fields[field.Name] = fieldDefault(field)
	}
	return rec
}

func fieldDefault(field FieldSpec) any {
	if field.Default != nil {
		return field.Default
	}
	switch field.Type {
	case FieldString, FieldID:
		return ""
	case FieldBool:
		return false
	default:
		return nil
	}
}

func resolveFirst(raw WireRecord, candidates []Candidate, fieldType FieldType) (any, bool) {
	for _, candidate := range candidates {
		if value, ok := resolveCandidate(raw, candidate, fieldType); ok {
			return value, true
		}
	}
	return nil, false
}

func resolveCandidate(raw WireRecord, candidate Candidate, fieldType FieldType) (any, bool) {
	if len(candidate.Paths) == 1 {
		value, ok := lookupPath(raw, candidate.Paths[0])
		if !ok {
			return nil, false
		}
		return convertField(value, fieldType)
	}
	parts := make([]string, 0, len(candidate.Paths))
	for _, path := range candidate.Paths {
		value, ok := lookupPath(raw, path)
		if !ok {
			continue
		}
		text, ok := toString(value)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	return convertField(strings.Join(parts, candidate.Sep), fieldType)
}

func lookupPath(raw map[string]any, path []string) (any, bool) {
	if len(path) == 0 || raw == nil {
		return nil, false
	}
	var current any = raw
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

func convertField(value any, fieldType FieldType) (any, bool) {
	switch fieldType {
	case FieldString:
		return toString(value)
	case FieldBool:
		return toBool(value)
	case FieldNumber:
		return toNumber(value)
	case FieldID:
		return toID(value)
	default:
		return value, value != nil
	}
}

func toID(value any) (any, bool) {
	switch v := value.(type) {
	case map[string]any, []any, bool:
		return nil, false
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	}
	text, ok := toString(value)
	if !ok || text == "" {
		return nil, false
	}
	return text, true
}

func toString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return toString(float64(v))
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	default:
		return "", false
	}
}

func toBool(value any) (any, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
		return nil, false
	}
	if number, ok := toNumber(value); ok {
		return number.(float64) != 0, true
	}
	return nil, false
}

func toNumber(value any) (any, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return nil, false
	}
}
