package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// FieldID is attached to every record on read and holds the record key.
	FieldID = "_id"
	// FieldCreatedAt is written once, on the first update of a key, as epoch milliseconds.
	FieldCreatedAt = "_createdAt"

	// legacyIDsKey was used to track unique ids and is skipped by every scan.
	legacyIDsKey = "ids"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found in database")
	// ErrPrefixRequired is returned when a store is opened without a prefix.
	ErrPrefixRequired = errors.New("db prefix is required")
)

// Record is a persisted item: a JSON object keyed by field name.
type Record map[string]json.RawMessage

// Decode unmarshals the record into v.
func (r Record) Decode(v any) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// String returns the string value of field, or "" if absent or not a string.
func (r Record) String(field string) string {
	var s string
	if raw, ok := r[field]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// Int64 returns the numeric value of field, or 0 if absent or not a number.
func (r Record) Int64(field string) int64 {
	var n int64
	if raw, ok := r[field]; ok {
		_ = json.Unmarshal(raw, &n)
	}
	return n
}

// Has reports whether field is present and not JSON null.
func (r Record) Has(field string) bool {
	raw, ok := r[field]
	return ok && string(raw) != "null"
}

// ToRecord converts a Record, a map or a JSON-taggable struct into a Record.
// Fields omitted by the struct's JSON encoding are absent from the result,
// which is what makes pointer/omitempty structs usable as partial updates.
func ToRecord(v any) (Record, error) {
	switch t := v.(type) {
	case nil:
		return Record{}, nil
	case Record:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("value is not a JSON object: %w", err)
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

// merge returns a shallow merge of data over base. Neither input is modified.
func merge(base, data Record) Record {
	out := make(Record, len(base)+len(data))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

func encodeRecord(r Record) ([]byte, error) {
	stored := make(Record, len(r))
	for k, v := range r {
		if k == FieldID {
			continue
		}
		stored[k] = v
	}
	return json.Marshal(stored)
}

func decodeRecord(key string, raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode value for key %q: %w", key, err)
	}
	if rec == nil {
		return nil, nil
	}
	id, _ := json.Marshal(key)
	rec[FieldID] = id
	return rec, nil
}
