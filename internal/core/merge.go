package core

import (
	"encoding/json"
	"maps"
)

// Wildcard is the merge key whose record supplies default values.
const Wildcard = "*"

// MergeRecord maps merge variable names to values for one recipient.
type MergeRecord map[string]any

// MergeTable holds the per-recipient merge records of one send.
//
// The table is built once per send, expanded once with ExpandWildcard before any
// request is built, and only read afterwards. Reads are safe for concurrent use
// once expansion is done.
type MergeTable struct {
	records  map[string]MergeRecord
	wildcard MergeRecord
}

// NewMergeTable copies data into a new table. A nil map yields an empty table.
func NewMergeTable(data map[string]MergeRecord) *MergeTable {
	t := &MergeTable{records: make(map[string]MergeRecord, len(data))}
	for addr, rec := range data {
		if addr == Wildcard {
			t.wildcard = maps.Clone(rec)
			continue
		}
		if rec == nil {
			rec = MergeRecord{}
		}
		t.records[addr] = maps.Clone(rec)
	}
	return t
}

// ExpandWildcard fills every existing record with the wildcard values it lacks.
// Explicit values are never overwritten and no record is created for an address
// that had none, so repeated calls have no further effect.
func (t *MergeTable) ExpandWildcard() {
	if len(t.wildcard) == 0 {
		return
	}
	for _, rec := range t.records {
		for key, value := range t.wildcard {
			if _, ok := rec[key]; !ok {
				rec[key] = value
			}
		}
	}
}

// Resolve returns the records of the given recipients. Recipients without a
// record are omitted.
func (t *MergeTable) Resolve(recipients ...string) map[string]MergeRecord {
	out := make(map[string]MergeRecord)
	for _, addr := range recipients {
		if rec, ok := t.records[addr]; ok {
			out[addr] = rec
		}
	}
	return out
}

// Lookup returns the record of a single recipient.
func (t *MergeTable) Lookup(addr string) (MergeRecord, bool) {
	rec, ok := t.records[addr]
	return rec, ok
}

// Wildcard returns the wildcard record, or nil when none was supplied.
func (t *MergeTable) Wildcard() MergeRecord {
	return t.wildcard
}

// Len returns the number of explicit records.
func (t *MergeTable) Len() int {
	return len(t.records)
}

// MarshalJSON encodes the explicit records, keyed by address.
func (t *MergeTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.records)
}
