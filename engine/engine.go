// Package engine implements the storage core: typed-record CRUD on the
// backing SQL database, the append-only change log, and synchronous change
// notification for live subscriptions. Every mutation writes the row and
// its change-log entry in one transaction.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/telemetry"
	"github.com/sportsed/sportsed/validate"
)

const (
	// changesPageLimit caps one changes() response; the response's
	// LastRevision tells the caller where to resume.
	changesPageLimit = 100

	// recordCacheSize bounds the revision -> record resolution cache.
	// Revisions are immutable so entries never go stale.
	recordCacheSize = 4096
)

// ChangeHandler receives every committed change, synchronously, while the
// engine lock is still held. Handlers must not call back into mutating
// engine methods.
type ChangeHandler func(model.Change)

// Engine is the database core. All mutations serialize on an internal
// lock so that a committed change and its notification form one atomic
// step relative to Synchronized sections.
type Engine struct {
	db    *sql.DB
	qb    goqu.DialectWrapper
	reg   *validate.Registry
	cache *lru.Cache[model.Revision, model.Record]

	mu       sync.Mutex
	onChange ChangeHandler
}

// New creates an engine on an open database handle. The driver selects the
// SQL dialect, "mysql" or "sqlite3".
func New(db *sql.DB, driver string, reg *validate.Registry) (*Engine, error) {
	cache, err := lru.New[model.Revision, model.Record](recordCacheSize)
	if err != nil {
		return nil, model.NewStorageError("create record cache", err)
	}
	return &Engine{
		db:    db,
		qb:    goqu.Dialect(driver),
		reg:   reg,
		cache: cache,
	}, nil
}

// SetChangeHandler installs the synchronous change callback. Set once,
// before the engine starts serving.
func (e *Engine) SetChangeHandler(h ChangeHandler) {
	e.onChange = h
}

// Synchronized runs fn under the engine lock. No mutation commits and no
// change dispatches while fn runs; used to take a consistent snapshot and
// register a subscription without a gap.
func (e *Engine) Synchronized(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Create validates and persists a draft record, assigns its id and appends
// a create entry to the change log. The returned record is complete.
func (e *Engine) Create(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.IsNull() {
		return model.Record{}, model.NewValidationError("cannot create a null record")
	}
	if rec.IsPersisted() {
		return model.Record{}, model.NewValidationError("record already has an id")
	}
	if rec.Table == model.TableChange {
		return model.Record{}, model.NewValidationError("the change log is append-only")
	}
	rec, err := e.reg.CoerceRecord(rec)
	if err != nil {
		return model.Record{}, err
	}
	if err := e.reg.ValidateRecord(rec); err != nil {
		return model.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var created model.Record
	var change model.Change
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		row := goqu.Record{"deleted": false}
		for name, value := range rec.Values {
			row[name] = value
		}
		query, args, err := e.qb.Insert(rec.Table.Name()).Prepared(true).Rows(row).ToSQL()
		if err != nil {
			return model.NewStorageError("build insert", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return model.NewStorageError("insert record", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return model.NewStorageError("read inserted id", err)
		}

		rev, err := e.appendChange(ctx, tx, model.ChangeCreate, model.Id(id), rec.Table, nil)
		if err != nil {
			return err
		}

		created = rec
		created.Id = model.Id(id)
		created.LatestRevision = rev
		created.Complete = true
		change = model.Change{Record: created, Revision: rev, Type: model.ChangeCreate}
		return nil
	})
	if err != nil {
		return model.Record{}, err
	}

	e.finishChange(change)
	return created, nil
}

// Read returns the complete current state of one record. With
// includeDeleted set, a soft-deleted record is returned in its last state
// instead of not_found.
func (e *Engine) Read(ctx context.Context, table model.Table, id model.Id, includeDeleted bool) (model.Record, error) {
	if table == model.TableNull {
		return model.Record{}, model.NewValidationError("cannot read from the null table")
	}
	rec, err := e.readRow(ctx, e.db, table, id, includeDeleted)
	if err != nil {
		return model.Record{}, err
	}
	rev, err := e.latestRevision(ctx, table, id)
	if err != nil {
		return model.Record{}, err
	}
	rec.LatestRevision = rev
	return rec, nil
}

// Update writes the given fields of a persisted record and appends an
// update entry naming exactly those fields. Absent fields keep their
// stored values. Returns the complete post-update record.
func (e *Engine) Update(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.IsNull() {
		return model.Record{}, model.NewValidationError("cannot update a null record")
	}
	if !rec.IsPersisted() {
		return model.Record{}, model.NewValidationError("cannot update a record without an id")
	}
	if rec.Table == model.TableChange {
		return model.Record{}, model.NewValidationError("the change log is append-only")
	}
	if len(rec.Values) == 0 {
		return model.Record{}, model.NewValidationError("update carries no fields")
	}
	rec, err := e.reg.CoerceRecord(rec)
	if err != nil {
		return model.Record{}, err
	}
	fields := rec.FieldNames()

	e.mu.Lock()
	defer e.mu.Unlock()

	var updated model.Record
	var change model.Change
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		current, err := e.readRow(ctx, tx, rec.Table, rec.Id, false)
		if err != nil {
			return err
		}

		row := goqu.Record{}
		for name, value := range rec.Values {
			row[name] = value
		}
		query, args, err := e.qb.Update(rec.Table.Name()).Prepared(true).
			Set(row).
			Where(goqu.C("id").Eq(rec.Id)).
			ToSQL()
		if err != nil {
			return model.NewStorageError("build update", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return model.NewStorageError("update record", err)
		}

		rev, err := e.appendChange(ctx, tx, model.ChangeUpdate, rec.Id, rec.Table, fields)
		if err != nil {
			return err
		}

		updated = current
		for name, value := range rec.Values {
			updated.SetValue(name, value)
		}
		updated.LatestRevision = rev
		updated.Complete = true
		change = model.Change{Record: updated, Revision: rev, Type: model.ChangeUpdate, UpdatedFields: fields}
		return nil
	})
	if err != nil {
		return model.Record{}, err
	}

	e.finishChange(change)
	return updated, nil
}

// Delete soft-deletes a record and appends a delete entry carrying the
// state immediately before deletion. Returns the delete's revision.
func (e *Engine) Delete(ctx context.Context, table model.Table, id model.Id) (model.Revision, error) {
	if table == model.TableNull {
		return 0, model.NewValidationError("cannot delete from the null table")
	}
	if table == model.TableChange {
		return 0, model.NewValidationError("the change log is append-only")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var change model.Change
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		current, err := e.readRow(ctx, tx, table, id, false)
		if err != nil {
			return err
		}

		query, args, err := e.qb.Update(table.Name()).Prepared(true).
			Set(goqu.Record{"deleted": true}).
			Where(goqu.C("id").Eq(id)).
			ToSQL()
		if err != nil {
			return model.NewStorageError("build delete", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return model.NewStorageError("delete record", err)
		}

		rev, err := e.appendChange(ctx, tx, model.ChangeDelete, id, table, nil)
		if err != nil {
			return err
		}

		current.LatestRevision = rev
		change = model.Change{Record: current, Revision: rev, Type: model.ChangeDelete}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.finishChange(change)
	return change.Revision, nil
}

// Find returns all live records matching the query, in id order. Filters
// with join-path fields ("stage_id>competition_id") expand into inner
// joins over the referenced tables.
func (e *Engine) Find(ctx context.Context, q model.TableQuery) ([]model.Record, error) {
	if q.IsNull() {
		return nil, model.NewValidationError("cannot find with a null query")
	}

	ds := e.qb.From(goqu.T(q.Table.Name()).As("t")).Prepared(true)
	var conds []exp.Expression
	if q.Table != model.TableChange {
		conds = append(conds, goqu.I("t.deleted").Eq(false))
	}
	joins := 0
	for _, filter := range q.Filters {
		if filter.IsJoinPath() {
			path := filter.JoinPath()
			prev := "t"
			prevTable := q.Table
			for _, hop := range path[:len(path)-1] {
				hopTable, err := e.joinTarget(prevTable, hop)
				if err != nil {
					return nil, err
				}
				joins++
				alias := "j" + strconv.Itoa(joins)
				ds = ds.InnerJoin(
					goqu.T(hopTable.Name()).As(alias),
					goqu.On(goqu.I(alias+".id").Eq(goqu.I(prev+"."+hop))),
				)
				prev = alias
				prevTable = hopTable
			}
			leaf := path[len(path)-1]
			if err := e.checkFilterField(prevTable, leaf); err != nil {
				return nil, err
			}
			conds = append(conds, compareExpr(goqu.I(prev+"."+leaf), filter.Op, filter.Value))
			continue
		}
		if err := e.checkFilterField(q.Table, filter.Field); err != nil {
			return nil, err
		}
		conds = append(conds, compareExpr(goqu.I("t."+filter.Field), filter.Op, filter.Value))
	}
	query, args, err := ds.Select(goqu.I("t.*")).Where(conds...).Order(goqu.I("t.id").Asc()).ToSQL()
	if err != nil {
		return nil, model.NewStorageError("build find", err)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStorageError("find records", err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := e.scanRecord(rows, q.Table)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("find records", err)
	}

	if err := e.stampRevisions(ctx, q.Table, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Changes returns the change-log page after the query's FromRevision that
// matches its table filter, in ascending revision order. LastRevision is
// where the caller resumes: the page's last revision when the page is
// full, the log tip otherwise.
func (e *Engine) Changes(ctx context.Context, q model.ChangeQuery) (model.ChangeResponse, error) {
	if q.Table.IsNull() {
		return model.ChangeResponse{}, model.NewValidationError("cannot query changes with a null query")
	}

	query, args, err := e.qb.From("change").Prepared(true).
		Select("id", "type", "record_id", "fields").
		Where(
			goqu.C("id").Gt(q.FromRevision),
			goqu.C("record_table").Eq(q.Table.Table.Name()),
		).
		Order(goqu.C("id").Asc()).
		Limit(changesPageLimit).
		ToSQL()
	if err != nil {
		return model.ChangeResponse{}, model.NewStorageError("build changes", err)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.ChangeResponse{}, model.NewStorageError("read change log", err)
	}

	type changeRow struct {
		revision model.Revision
		kind     string
		recordID model.Id
		fields   string
	}
	var page []changeRow
	for rows.Next() {
		var row changeRow
		if err := rows.Scan(&row.revision, &row.kind, &row.recordID, &row.fields); err != nil {
			rows.Close()
			return model.ChangeResponse{}, model.NewStorageError("scan change row", err)
		}
		page = append(page, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return model.ChangeResponse{}, model.NewStorageError("read change log", err)
	}
	rows.Close()

	resp := model.ChangeResponse{Query: q, Changes: []model.Change{}}
	for _, row := range page {
		changeType, err := changeTypeFromChar(row.kind)
		if err != nil {
			return model.ChangeResponse{}, err
		}
		rec, err := e.resolveRecord(ctx, q.Table.Table, row.recordID, row.revision)
		if err != nil {
			return model.ChangeResponse{}, err
		}
		change := model.Change{
			Record:   rec,
			Revision: row.revision,
			Type:     changeType,
		}
		if row.fields != "" {
			change.UpdatedFields = strings.Split(row.fields, ",")
		}
		if q.Matches(change) {
			resp.Changes = append(resp.Changes, change)
		}
	}

	if len(page) == changesPageLimit {
		resp.LastRevision = page[len(page)-1].revision
	} else {
		tip, err := e.LastRevision(ctx)
		if err != nil {
			return model.ChangeResponse{}, err
		}
		resp.LastRevision = tip
		if resp.LastRevision < q.FromRevision {
			resp.LastRevision = q.FromRevision
		}
	}
	return resp, nil
}

// Complete returns the record with all fields populated, reading from
// storage only when the given record is partial.
func (e *Engine) Complete(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.IsNull() {
		return model.Record{}, model.NewValidationError("cannot complete a null record")
	}
	if rec.Complete {
		return rec, nil
	}
	if !rec.IsPersisted() {
		return model.Record{}, model.NewValidationError("cannot complete a record without an id")
	}
	return e.Read(ctx, rec.Table, rec.Id, false)
}

// LastRevision returns the change log tip, zero for an empty log.
func (e *Engine) LastRevision(ctx context.Context) (model.Revision, error) {
	query, args, err := e.qb.From("change").Prepared(true).Select(goqu.MAX("id")).ToSQL()
	if err != nil {
		return 0, model.NewStorageError("build revision query", err)
	}
	var tip sql.NullInt64
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&tip); err != nil {
		return 0, model.NewStorageError("read change log tip", err)
	}
	return model.Revision(tip.Int64), nil
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStorageError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.NewStorageError("commit transaction", err)
	}
	return nil
}

var changeTypeChars = map[model.ChangeType]string{
	model.ChangeCreate: "C",
	model.ChangeUpdate: "U",
	model.ChangeDelete: "D",
}

func changeTypeFromChar(s string) (model.ChangeType, error) {
	for t, c := range changeTypeChars {
		if c == s {
			return t, nil
		}
	}
	return 0, model.NewStorageError(fmt.Sprintf("corrupt change type %q", s), nil)
}

// appendChange writes one change-log row inside the mutation's transaction
// and returns its id, the new revision.
func (e *Engine) appendChange(ctx context.Context, tx *sql.Tx, changeType model.ChangeType, id model.Id, table model.Table, fields []string) (model.Revision, error) {
	query, args, err := e.qb.Insert("change").Prepared(true).Rows(goqu.Record{
		"type":         changeTypeChars[changeType],
		"record_id":    id,
		"record_table": table.Name(),
		"timestamp":    time.Now().Unix(),
		"fields":       strings.Join(fields, ","),
	}).ToSQL()
	if err != nil {
		return 0, model.NewStorageError("build change entry", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, model.NewStorageError("append change entry", err)
	}
	rev, err := res.LastInsertId()
	if err != nil {
		return 0, model.NewStorageError("read change revision", err)
	}
	return model.Revision(rev), nil
}

// finishChange runs after commit, still under the engine lock: cache the
// record state at this revision, bump metrics and notify the handler.
func (e *Engine) finishChange(change model.Change) {
	e.cache.Add(change.Revision, change.Record)
	telemetry.ChangesRecordedTotal.With(change.Type.String()).Inc()
	telemetry.ChangeLogRevision.Set(float64(change.Revision))
	log.Debug().
		Str("table", change.Record.Table.Name()).
		Uint64("id", change.Record.Id).
		Uint64("revision", change.Revision).
		Str("type", change.Type.String()).
		Msg("Change committed")
	if e.onChange != nil {
		e.onChange(change)
	}
}

// readRow fetches one row as a complete record, without its revision.
func (e *Engine) readRow(ctx context.Context, q queryer, table model.Table, id model.Id, includeDeleted bool) (model.Record, error) {
	ds := e.qb.From(table.Name()).Prepared(true).Where(goqu.C("id").Eq(id))
	if table != model.TableChange && !includeDeleted {
		ds = ds.Where(goqu.C("deleted").Eq(false))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return model.Record{}, model.NewStorageError("build read", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Record{}, model.NewStorageError("read record", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return model.Record{}, model.NewStorageError("read record", err)
		}
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("no %s record with id %d", table.Name(), id))
	}
	return e.scanRecord(rows, table)
}

// scanRecord turns the current row into a complete record, coercing driver
// values to their canonical field representations.
func (e *Engine) scanRecord(rows *sql.Rows, table model.Table) (model.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return model.Record{}, model.NewStorageError("read row columns", err)
	}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return model.Record{}, model.NewStorageError("scan record", err)
	}

	rec := model.NewRecord(table, nil)
	for i, col := range cols {
		value := raw[i]
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		switch col {
		case "id":
			id, ok := toID(value)
			if !ok {
				return model.Record{}, model.NewStorageError(fmt.Sprintf("corrupt id value %v", raw[i]), nil)
			}
			rec.Id = id
		case "deleted":
			// hidden bookkeeping column
		default:
			rec.SetValue(col, value)
		}
	}

	rec, err = e.reg.CoerceRecord(rec)
	if err != nil {
		return model.Record{}, model.NewStorageError("coerce stored record", err)
	}
	rec.Complete = true
	return rec, nil
}

func toID(value any) (model.Id, bool) {
	switch n := value.(type) {
	case int64:
		return model.Id(n), true
	case uint64:
		return n, true
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// latestRevision finds the newest change-log entry for one record.
func (e *Engine) latestRevision(ctx context.Context, table model.Table, id model.Id) (model.Revision, error) {
	query, args, err := e.qb.From("change").Prepared(true).
		Select(goqu.MAX("id")).
		Where(goqu.C("record_table").Eq(table.Name()), goqu.C("record_id").Eq(id)).
		ToSQL()
	if err != nil {
		return 0, model.NewStorageError("build revision lookup", err)
	}
	var rev sql.NullInt64
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&rev); err != nil {
		return 0, model.NewStorageError("read record revision", err)
	}
	return model.Revision(rev.Int64), nil
}

// stampRevisions fills LatestRevision for a result set with one grouped
// change-log query.
func (e *Engine) stampRevisions(ctx context.Context, table model.Table, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]model.Id, len(records))
	for i, rec := range records {
		ids[i] = rec.Id
	}
	query, args, err := e.qb.From("change").Prepared(true).
		Select("record_id", goqu.MAX("id")).
		Where(goqu.C("record_table").Eq(table.Name()), goqu.C("record_id").In(ids)).
		GroupBy("record_id").
		ToSQL()
	if err != nil {
		return model.NewStorageError("build revision lookup", err)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.NewStorageError("read record revisions", err)
	}
	defer rows.Close()

	revisions := make(map[model.Id]model.Revision, len(records))
	for rows.Next() {
		var id model.Id
		var rev model.Revision
		if err := rows.Scan(&id, &rev); err != nil {
			return model.NewStorageError("scan record revision", err)
		}
		revisions[id] = rev
	}
	if err := rows.Err(); err != nil {
		return model.NewStorageError("read record revisions", err)
	}
	for i := range records {
		records[i].LatestRevision = revisions[records[i].Id]
	}
	return nil
}

// resolveRecord returns the record state for a change-log entry. Mutations
// cache their exact state by revision; on a miss the current row (deleted
// or not) stands in, which is correct for the newest change of a record.
func (e *Engine) resolveRecord(ctx context.Context, table model.Table, id model.Id, rev model.Revision) (model.Record, error) {
	if rec, ok := e.cache.Get(rev); ok {
		return rec, nil
	}
	rec, err := e.readRow(ctx, e.db, table, id, true)
	if err != nil {
		return model.Record{}, err
	}
	rec.LatestRevision = rev
	e.cache.Add(rev, rec)
	return rec, nil
}

// joinTarget resolves one hop of a join path: the foreign-key column name
// minus its "_id" suffix names the referenced table.
func (e *Engine) joinTarget(from model.Table, hop string) (model.Table, error) {
	if !strings.HasSuffix(hop, "_id") {
		return model.TableNull, model.NewValidationError(fmt.Sprintf("join field %q is not a reference", hop))
	}
	if err := e.checkFilterField(from, hop); err != nil {
		return model.TableNull, err
	}
	target, err := model.TableByName(strings.TrimSuffix(hop, "_id"))
	if err != nil || target == model.TableNull {
		return model.TableNull, model.NewValidationError(fmt.Sprintf("join field %q references no table", hop))
	}
	return target, nil
}

// checkFilterField rejects filters on undeclared columns before they reach
// the SQL layer.
func (e *Engine) checkFilterField(table model.Table, field string) error {
	if field == "id" {
		return nil
	}
	schema := e.reg.Schema(table)
	if schema == nil {
		return model.NewValidationError(fmt.Sprintf("no schema for table %q", table))
	}
	if !schema.Has(field) {
		return model.NewValidationError(fmt.Sprintf("unknown field %q on table %q", field, table))
	}
	return nil
}

func compareExpr(col exp.IdentifierExpression, op model.Operator, value any) exp.Expression {
	switch op {
	case model.OpNotEqual:
		return col.Neq(value)
	case model.OpLess:
		return col.Lt(value)
	case model.OpLessEqual:
		return col.Lte(value)
	case model.OpGreater:
		return col.Gt(value)
	case model.OpGreaterEqual:
		return col.Gte(value)
	default:
		return col.Eq(value)
	}
}
