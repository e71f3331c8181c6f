package model

import (
	"encoding/json"
	"fmt"
)

// Id is the storage-assigned primary key of a record. Zero means "not
// yet persisted".
type Id = uint64

// Revision is the global, strictly increasing change-log sequence number.
type Revision = uint64

// Table is the closed enumeration of entity kinds. TableNull is the
// "no table" sentinel; records and queries carrying it are null.
type Table int

const (
	TableNull Table = iota
	TableMeta
	TableChange
	TableProfile
	TableClient
	TableCompetition
	TableStage
	TableCourse
	TableControl
	TableCourseControl
	TableClass
)

var tableNames = map[Table]string{
	TableMeta:          "meta",
	TableChange:        "change",
	TableProfile:       "profile",
	TableClient:        "client",
	TableCompetition:   "competition",
	TableStage:         "stage",
	TableCourse:        "course",
	TableControl:       "control",
	TableCourseControl: "course_control",
	TableClass:         "class",
}

var tablesByName = func() map[string]Table {
	m := make(map[string]Table, len(tableNames))
	for t, name := range tableNames {
		m[name] = t
	}
	return m
}()

// Tables returns every real table (excluding TableNull) in a stable order.
func Tables() []Table {
	return []Table{
		TableMeta, TableChange, TableProfile, TableClient, TableCompetition,
		TableStage, TableCourse, TableControl, TableCourseControl, TableClass,
	}
}

// Name returns the wire/storage name of the table. Empty for TableNull.
func (t Table) Name() string {
	return tableNames[t]
}

func (t Table) String() string {
	if t == TableNull {
		return "null"
	}
	return t.Name()
}

// TableByName resolves a wire/storage table name. The empty string maps to
// TableNull; any other unknown name is a validation error.
func TableByName(name string) (Table, error) {
	if name == "" {
		return TableNull, nil
	}
	if t, ok := tablesByName[name]; ok {
		return t, nil
	}
	return TableNull, NewValidationError(fmt.Sprintf("unknown table %q", name))
}

func (t Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Name())
}

func (t *Table) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := TableByName(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
