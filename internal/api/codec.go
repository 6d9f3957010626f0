package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a record for the wire. Numbers travel as doubles, so
// Unix millisecond timestamps stay exact.
func ToStruct(rec backend.Record) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any(rec))
}

// FromStruct converts a wire struct back into a record.
func FromStruct(s *structpb.Struct) backend.Record {
	if s == nil {
		return backend.Record{}
	}
	return backend.Record(s.AsMap())
}

// Args is a request or response body under construction.
type Args map[string]any

func (a Args) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(a)
}

func str(f backend.Record, key string) string {
	s, _ := f[key].(string)
	return s
}

func num(f backend.Record, key string) int64 {
	switch v := f[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func millis(f backend.Record, key string) time.Time {
	return time.UnixMilli(num(f, key))
}

func strPtr(f backend.Record, key string) *string {
	s, ok := f[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func records(recs []backend.Record) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = map[string]any(r)
	}
	return out
}

// Records reads a list of records from a response field.
func Records(f backend.Record, key string) ([]backend.Record, error) {
	list, _ := f[key].([]any)
	out := make([]backend.Record, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected element %T", key, v)
		}
		out = append(out, backend.Record(m))
	}
	return out, nil
}

// Strings reads a list of strings from a response field.
func Strings(f backend.Record, key string) []string {
	list, _ := f[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Filter encodes f as {"eq": {...}, "neq": {...}}.
func Filter(f backend.Filter) map[string]any {
	return map[string]any{"eq": f.Eq, "neq": f.Neq}
}

func filterOf(f backend.Record) backend.Filter {
	raw, _ := f["filter"].(map[string]any)
	eq, _ := raw["eq"].(map[string]any)
	neq, _ := raw["neq"].(map[string]any)
	return backend.Filter{Eq: eq, Neq: neq}
}

// Diff encodes a presence diff.
func Diff(d backend.PresenceDiff) Args {
	return Args{"joins": records(d.Joins), "leaves": records(d.Leaves)}
}

// DiffOf decodes a presence diff.
func DiffOf(f backend.Record) (backend.PresenceDiff, error) {
	joins, err := Records(f, "joins")
	if err != nil {
		return backend.PresenceDiff{}, err
	}
	leaves, err := Records(f, "leaves")
	if err != nil {
		return backend.PresenceDiff{}, err
	}
	return backend.PresenceDiff{Joins: joins, Leaves: leaves}, nil
}
