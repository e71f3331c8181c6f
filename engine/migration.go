package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/validate"
)

// SchemaVersion is the version this build creates and expects.
const SchemaVersion = 1

const versionKey = "schema_version"

// Migrator creates, checks and upgrades the database schema. The DDL is
// derived from the validation registry so the stored schema and the typed
// schema cannot drift apart.
type Migrator struct {
	db     *sql.DB
	driver string
	reg    *validate.Registry
}

func NewMigrator(db *sql.DB, driver string, reg *validate.Registry) *Migrator {
	return &Migrator{db: db, driver: driver, reg: reg}
}

// CurrentVersion reads the stored schema version, -1 when no schema has
// been created yet.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s = 0",
		m.quote("value"), m.quote("meta"), m.quote("key"), m.quote("deleted"),
	)
	var value string
	err := m.db.QueryRowContext(ctx, query, versionKey).Scan(&value)
	if err != nil {
		// A missing meta table means a virgin database.
		return -1, nil
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, model.NewStorageError(fmt.Sprintf("corrupt schema version %q", value), nil)
	}
	return version, nil
}

// Create builds the full schema from scratch and stamps it with the
// current version.
func (m *Migrator) Create(ctx context.Context) error {
	for _, table := range model.Tables() {
		stmt, err := m.createTableSQL(table)
		if err != nil {
			return err
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return model.NewStorageError(fmt.Sprintf("create table %q", table.Name()), err)
		}
	}

	index := fmt.Sprintf(
		"CREATE INDEX %s ON %s (%s, %s)",
		m.quote("change_record_idx"), m.quote("change"),
		m.quote("record_table"), m.quote("record_id"),
	)
	if _, err := m.db.ExecContext(ctx, index); err != nil {
		return model.NewStorageError("create change log index", err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s) VALUES (?, ?, 0)",
		m.quote("meta"), m.quote("key"), m.quote("value"), m.quote("deleted"),
	)
	if _, err := m.db.ExecContext(ctx, insert, versionKey, strconv.Itoa(SchemaVersion)); err != nil {
		return model.NewStorageError("store schema version", err)
	}

	log.Info().Int("version", SchemaVersion).Msg("Database schema created")
	return nil
}

// Check verifies the stored version matches this build and every table is
// reachable.
func (m *Migrator) Check(ctx context.Context) error {
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return model.NewStorageError(
			fmt.Sprintf("schema version mismatch: have %d, want %d", version, SchemaVersion), nil)
	}
	for _, table := range model.Tables() {
		probe := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", m.quote("id"), m.quote(table.Name()))
		rows, err := m.db.QueryContext(ctx, probe)
		if err != nil {
			return model.NewStorageError(fmt.Sprintf("table %q is missing", table.Name()), err)
		}
		rows.Close()
	}
	return nil
}

// Upgrade brings an older schema up to the current version. Each step
// migrates one version forward; there are none yet besides the initial
// schema.
func (m *Migrator) Upgrade(ctx context.Context) error {
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if version == SchemaVersion {
		return nil
	}
	if version < 1 {
		return model.NewStorageError("no schema to upgrade, create one first", nil)
	}
	if version > SchemaVersion {
		return model.NewStorageError(
			fmt.Sprintf("database schema version %d is newer than this build supports (%d)",
				version, SchemaVersion), nil)
	}

	for step := version; step < SchemaVersion; step++ {
		upgrade, ok := upgrades[step]
		if !ok {
			return model.NewStorageError(fmt.Sprintf("no upgrade path from version %d", step), nil)
		}
		if err := upgrade(ctx, m); err != nil {
			return err
		}
		if err := m.setVersion(ctx, step+1); err != nil {
			return err
		}
		log.Info().Int("from", step).Int("to", step+1).Msg("Database schema upgraded")
	}
	return nil
}

// upgrades maps a source version to the step migrating it one version up.
var upgrades = map[int]func(context.Context, *Migrator) error{}

func (m *Migrator) setVersion(ctx context.Context, version int) error {
	update := fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE %s = ?",
		m.quote("meta"), m.quote("value"), m.quote("key"),
	)
	if _, err := m.db.ExecContext(ctx, update, strconv.Itoa(version), versionKey); err != nil {
		return model.NewStorageError("store schema version", err)
	}
	return nil
}

func (m *Migrator) createTableSQL(table model.Table) (string, error) {
	schema := m.reg.Schema(table)
	if schema == nil {
		return "", model.NewStorageError(fmt.Sprintf("no schema for table %q", table.Name()), nil)
	}

	cols := []string{m.idColumn()}
	for _, name := range schema.FieldNames() {
		fieldType, _ := schema.Type(name)
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", m.quote(name), m.columnType(fieldType)))
	}
	if table != model.TableChange {
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL DEFAULT 0", m.quote("deleted"), m.columnType(validate.Boolean)))
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", m.quote(table.Name()), strings.Join(cols, ", ")), nil
}

func (m *Migrator) idColumn() string {
	if m.driver == "mysql" {
		return m.quote("id") + " BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY"
	}
	return m.quote("id") + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (m *Migrator) columnType(fieldType validate.FieldType) string {
	if m.driver == "mysql" {
		switch fieldType {
		case validate.ID:
			return "BIGINT UNSIGNED"
		case validate.Integer:
			return "BIGINT"
		case validate.Real:
			return "DOUBLE"
		case validate.Boolean:
			return "TINYINT(1)"
		case validate.Char:
			return "CHAR(1)"
		case validate.IP:
			return "VARCHAR(45)"
		default:
			return "TEXT"
		}
	}
	switch fieldType {
	case validate.ID, validate.Integer, validate.Boolean:
		return "INTEGER"
	case validate.Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// quote escapes an identifier for the active dialect. Column names like
// "order" and "key" collide with SQL keywords.
func (m *Migrator) quote(ident string) string {
	if m.driver == "mysql" {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}
