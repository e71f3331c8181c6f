package model

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Record represents one row of a table. A record without an id is a draft
// that has not been persisted; the server assigns the id exactly once at
// creation time. Complete indicates whether Values holds every column or
// only a partial projection.
type Record struct {
	Table          Table
	Id             Id
	LatestRevision Revision
	Values         map[string]any
	Complete       bool
}

// NewRecord builds a draft record for the given table.
func NewRecord(table Table, values map[string]any) Record {
	if values == nil {
		values = map[string]any{}
	}
	return Record{Table: table, Values: values}
}

// IsNull reports whether the record carries no table, the empty sentinel.
func (r Record) IsNull() bool {
	return r.Table == TableNull
}

// IsPersisted reports whether the server has assigned an id.
func (r Record) IsPersisted() bool {
	return r.Id != 0
}

// Value returns the named field value, nil when absent.
func (r Record) Value(name string) any {
	return r.Values[name]
}

// SetValue sets a field value, allocating the map on first use so that the
// zero Record stays usable as a draft.
func (r *Record) SetValue(name string, value any) {
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	r.Values[name] = value
}

// FieldNames returns the record's field names in sorted order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChangesBetween returns the fields whose values differ from other.
func (r Record) ChangesBetween(other Record) []string {
	var fields []string
	for name, value := range other.Values {
		if !ValuesEqual(r.Values[name], value) {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// Equal compares table, id and values; revisions and completeness are
// bookkeeping and do not participate.
func (r Record) Equal(other Record) bool {
	if r.Table != other.Table || r.Id != other.Id || len(r.Values) != len(other.Values) {
		return false
	}
	for name, value := range r.Values {
		if !ValuesEqual(value, other.Values[name]) {
			return false
		}
	}
	return true
}

type recordJSON struct {
	Table          Table          `json:"table"`
	Id             *Id            `json:"id"`
	LatestRevision Revision       `json:"latest_revision"`
	Complete       bool           `json:"complete"`
	Values         map[string]any `json:"values"`
}

// MarshalJSON encodes a null-table record as JSON null; everything else
// follows the documented record shape.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.IsNull() {
		return []byte("null"), nil
	}
	out := recordJSON{
		Table:          r.Table,
		LatestRevision: r.LatestRevision,
		Complete:       r.Complete,
		Values:         r.Values,
	}
	if r.Values == nil {
		out.Values = map[string]any{}
	}
	if r.IsPersisted() {
		id := r.Id
		out.Id = &id
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = Record{}
		return nil
	}
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record{
		Table:          in.Table,
		LatestRevision: in.LatestRevision,
		Complete:       in.Complete,
		Values:         in.Values,
	}
	if in.Id != nil {
		r.Id = *in.Id
	}
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	return nil
}
