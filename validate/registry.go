// Package validate checks and coerces dynamically-typed record values
// against each table's declared field types. The registry is an explicit
// object constructed once at startup and injected where needed.
package validate

import (
	"fmt"
	"sort"

	"github.com/sportsed/sportsed/model"
)

// FieldType is the declared type of a table column.
type FieldType int

const (
	ID FieldType = iota
	Integer
	Real
	String
	Char
	Boolean
	Date
	Time
	DateTime
	IP
	JSON
)

// TableSchema maps field names to their declared types for one table.
type TableSchema struct {
	fields map[string]FieldType
}

// Has reports whether the schema declares the field.
func (s *TableSchema) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Type returns the declared type of a field.
func (s *TableSchema) Type(name string) (FieldType, bool) {
	t, ok := s.fields[name]
	return t, ok
}

// FieldNames returns the declared fields in sorted order.
func (s *TableSchema) FieldNames() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the schema of every table.
type Registry struct {
	schemas map[model.Table]*TableSchema
}

// NewRegistry builds the registry for the full table set.
func NewRegistry() *Registry {
	schema := func(fields map[string]FieldType) *TableSchema {
		return &TableSchema{fields: fields}
	}
	return &Registry{schemas: map[model.Table]*TableSchema{
		model.TableMeta: schema(map[string]FieldType{
			"key":   String,
			"value": String,
		}),
		model.TableChange: schema(map[string]FieldType{
			"type":         Char,
			"record_id":    ID,
			"record_table": String,
			"timestamp":    Integer,
			"fields":       String,
		}),
		model.TableProfile: schema(map[string]FieldType{
			"type":  String,
			"name":  String,
			"value": JSON,
		}),
		model.TableClient: schema(map[string]FieldType{
			"name": String,
			"ip":   IP,
		}),
		model.TableCompetition: schema(map[string]FieldType{
			"name":  String,
			"sport": String,
		}),
		model.TableStage: schema(map[string]FieldType{
			"competition_id": ID,
			"name":           String,
			"type":           String,
			"discipline":     String,
			"date":           Date,
			"in_totals":      Boolean,
		}),
		model.TableControl: schema(map[string]FieldType{
			"stage_id": ID,
			"name":     String,
			"special":  String,
		}),
		model.TableCourse: schema(map[string]FieldType{
			"stage_id": ID,
			"name":     String,
		}),
		model.TableCourseControl: schema(map[string]FieldType{
			"control_id":             ID,
			"course_id":              ID,
			"order":                  Integer,
			"distance_from_previous": Real,
		}),
		model.TableClass: schema(map[string]FieldType{
			"stage_id": ID,
			"name":     String,
		}),
	}}
}

// Schema returns the schema for a table, nil for TableNull or unknown.
func (r *Registry) Schema(table model.Table) *TableSchema {
	return r.schemas[table]
}

// ValidateField checks one value against the declared field type.
func (r *Registry) ValidateField(table model.Table, name string, value any) error {
	schema := r.schemas[table]
	if schema == nil {
		return model.NewValidationError(fmt.Sprintf("no schema for table %q", table))
	}
	fieldType, ok := schema.Type(name)
	if !ok {
		return model.NewValidationError(fmt.Sprintf("unknown field %q on table %q", name, table))
	}
	return checkType(fieldType, name, value)
}

// ValidateRecord checks that every declared field is present and valid.
// Used for creates, where a full row is required.
func (r *Registry) ValidateRecord(rec model.Record) error {
	schema := r.schemas[rec.Table]
	if schema == nil {
		return model.NewValidationError(fmt.Sprintf("no schema for table %q", rec.Table))
	}
	for _, name := range schema.FieldNames() {
		if _, ok := rec.Values[name]; !ok {
			return model.NewValidationError(fmt.Sprintf("missing required field %q", name))
		}
	}
	for name, value := range rec.Values {
		if err := r.ValidateField(rec.Table, name, value); err != nil {
			return err
		}
	}
	return nil
}

// Coerce converts a value to the canonical representation of the field's
// declared type, best effort.
func (r *Registry) Coerce(table model.Table, name string, value any) (any, error) {
	schema := r.schemas[table]
	if schema == nil {
		return nil, model.NewValidationError(fmt.Sprintf("no schema for table %q", table))
	}
	fieldType, ok := schema.Type(name)
	if !ok {
		return nil, model.NewValidationError(fmt.Sprintf("unknown field %q on table %q", name, table))
	}
	return coerceType(fieldType, name, value)
}

// CoerceRecord coerces every present value, leaving absent fields absent.
func (r *Registry) CoerceRecord(rec model.Record) (model.Record, error) {
	out := model.Record{
		Table:          rec.Table,
		Id:             rec.Id,
		LatestRevision: rec.LatestRevision,
		Complete:       rec.Complete,
		Values:         make(map[string]any, len(rec.Values)),
	}
	for name, value := range rec.Values {
		coerced, err := r.Coerce(rec.Table, name, value)
		if err != nil {
			return model.Record{}, err
		}
		out.Values[name] = coerced
	}
	return out, nil
}
