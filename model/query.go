package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a filter comparison operator.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
)

var operatorNames = map[Operator]string{
	OpEqual:        "eq",
	OpNotEqual:     "neq",
	OpLess:         "lt",
	OpLessEqual:    "lte",
	OpGreater:      "gt",
	OpGreaterEqual: "gte",
}

var operatorsByName = func() map[string]Operator {
	m := make(map[string]Operator, len(operatorNames))
	for op, name := range operatorNames {
		m[name] = op
	}
	return m
}()

func (o Operator) String() string {
	return operatorNames[o]
}

func (o Operator) MarshalJSON() ([]byte, error) {
	name, ok := operatorNames[o]
	if !ok {
		return nil, fmt.Errorf("invalid filter operator %d", int(o))
	}
	return json.Marshal(name)
}

func (o *Operator) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	op, ok := operatorsByName[name]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown filter operator %q", name))
	}
	*o = op
	return nil
}

// Apply evaluates the operator against a record value and a filter value.
// Values with no common ordering never match (except via NotEqual).
func (o Operator) Apply(recordValue, filterValue any) bool {
	switch o {
	case OpEqual:
		return ValuesEqual(recordValue, filterValue)
	case OpNotEqual:
		return !ValuesEqual(recordValue, filterValue)
	}
	cmp, ok := CompareValues(recordValue, filterValue)
	if !ok {
		return false
	}
	switch o {
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

// TableFilter is one predicate on a field. The field may be a join path of
// the form "stage_id>competition_id": each hop names a foreign-key column,
// the final element is the column filtered on the last joined table.
type TableFilter struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Eq builds an equality filter, the overwhelmingly common case.
func Eq(field string, value any) TableFilter {
	return TableFilter{Field: field, Op: OpEqual, Value: value}
}

// IsJoinPath reports whether the filter's field denotes a multi-hop join
// chain rather than a direct column.
func (f TableFilter) IsJoinPath() bool {
	return strings.Contains(f.Field, ">")
}

// JoinPath splits a join-path field into its hops.
func (f TableFilter) JoinPath() []string {
	return strings.Split(f.Field, ">")
}

func (f TableFilter) Equal(other TableFilter) bool {
	return f.Field == other.Field && f.Op == other.Op && ValuesEqual(f.Value, other.Value)
}

// TableQuery selects records of one table matching all filters (AND).
// A null-table query is the empty placeholder.
type TableQuery struct {
	Table   Table         `json:"table"`
	Filters []TableFilter `json:"filters"`
}

func NewTableQuery(table Table, filters ...TableFilter) TableQuery {
	return TableQuery{Table: table, Filters: filters}
}

func (q TableQuery) IsNull() bool {
	return q.Table == TableNull
}

func (q TableQuery) Equal(other TableQuery) bool {
	if q.Table != other.Table || len(q.Filters) != len(other.Filters) {
		return false
	}
	for i, f := range q.Filters {
		if !f.Equal(other.Filters[i]) {
			return false
		}
	}
	return true
}

// MatchesRecord evaluates every filter against a resolved record. The "id"
// field compares against the record id. A field absent from the (possibly
// partial) record does not match; a join-path field conservatively matches,
// since the joined ancestors cannot be reconstructed from the record alone.
func (q TableQuery) MatchesRecord(rec Record) bool {
	if q.Table != rec.Table {
		return false
	}
	for _, filter := range q.Filters {
		if filter.Field == "id" {
			if !filter.Op.Apply(rec.Id, filter.Value) {
				return false
			}
			continue
		}
		if filter.IsJoinPath() {
			continue
		}
		value, ok := rec.Values[filter.Field]
		if !ok {
			return false
		}
		if !filter.Op.Apply(value, filter.Value) {
			return false
		}
	}
	return true
}
