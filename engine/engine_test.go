package engine

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/validate"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	reg := validate.NewRegistry()
	require.NoError(t, NewMigrator(db, "sqlite3", reg).Create(context.Background()))

	eng, err := New(db, "sqlite3", reg)
	require.NoError(t, err)
	return eng
}

func profileDraft(name string) model.Record {
	return model.NewRecord(model.TableProfile, map[string]any{
		"type":  "display",
		"name":  name,
		"value": `{"columns":[]}`,
	})
}

func TestCreateAssignsIdAndRevision(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("start list"))
	require.NoError(t, err)

	assert.Equal(t, model.Id(1), created.Id)
	assert.Equal(t, model.Revision(1), created.LatestRevision)
	assert.True(t, created.Complete)
	assert.Equal(t, "start list", created.Value("name"))
}

func TestCreateRejectsMissingField(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Create(context.Background(), model.NewRecord(model.TableProfile, map[string]any{
		"type": "display",
	}))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestCreateRejectsPersistedRecord(t *testing.T) {
	eng := newTestEngine(t)

	rec := profileDraft("p")
	rec.Id = 7
	_, err := eng.Create(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestReadRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("splits"))
	require.NoError(t, err)

	got, err := eng.Read(ctx, model.TableProfile, created.Id, false)
	require.NoError(t, err)
	assert.True(t, got.Equal(created))
	assert.Equal(t, created.LatestRevision, got.LatestRevision)
	assert.True(t, got.Complete)
}

func TestReadUnknownIdNotFound(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Read(context.Background(), model.TableProfile, 42, false)
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestUpdateMergesAndBumpsRevision(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("before"))
	require.NoError(t, err)

	patch := model.NewRecord(model.TableProfile, map[string]any{"name": "after"})
	patch.Id = created.Id
	updated, err := eng.Update(ctx, patch)
	require.NoError(t, err)

	assert.Equal(t, created.Id, updated.Id)
	assert.Equal(t, model.Revision(2), updated.LatestRevision)
	assert.Equal(t, "after", updated.Value("name"))
	assert.Equal(t, "display", updated.Value("type"), "untouched fields survive")

	got, err := eng.Read(ctx, model.TableProfile, created.Id, false)
	require.NoError(t, err)
	assert.True(t, got.Equal(updated))
}

func TestUpdateUnknownIdNotFound(t *testing.T) {
	eng := newTestEngine(t)

	patch := model.NewRecord(model.TableProfile, map[string]any{"name": "x"})
	patch.Id = 42
	_, err := eng.Update(context.Background(), patch)
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestUpdateWithoutIdRejected(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Update(context.Background(), profileDraft("x"))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestDeleteHidesRecord(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("victim"))
	require.NoError(t, err)
	rev, err := eng.Delete(ctx, model.TableProfile, created.Id)
	require.NoError(t, err)
	assert.Equal(t, model.Revision(2), rev)

	_, err = eng.Read(ctx, model.TableProfile, created.Id, false)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	found, err := eng.Find(ctx, model.NewTableQuery(model.TableProfile))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestReadIncludeDeletedReturnsLastState(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("victim"))
	require.NoError(t, err)
	rev, err := eng.Delete(ctx, model.TableProfile, created.Id)
	require.NoError(t, err)

	got, err := eng.Read(ctx, model.TableProfile, created.Id, true)
	require.NoError(t, err)
	assert.Equal(t, created.Id, got.Id)
	assert.Equal(t, "victim", got.Value("name"))
	assert.Equal(t, rev, got.LatestRevision, "delete is the record's latest revision")

	// The flag widens reads only; a live record reads the same either way.
	live, err := eng.Create(ctx, profileDraft("alive"))
	require.NoError(t, err)
	got, err = eng.Read(ctx, model.TableProfile, live.Id, true)
	require.NoError(t, err)
	assert.True(t, got.Equal(live))
}

func TestDeleteUnknownIdNotFound(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Delete(context.Background(), model.TableProfile, 42)
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestChangeLogSequence(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("one"))
	require.NoError(t, err)

	patch := model.NewRecord(model.TableProfile, map[string]any{"name": "two"})
	patch.Id = created.Id
	_, err = eng.Update(ctx, patch)
	require.NoError(t, err)

	_, err = eng.Delete(ctx, model.TableProfile, created.Id)
	require.NoError(t, err)

	resp, err := eng.Changes(ctx, model.NewChangeQuery(model.NewTableQuery(model.TableProfile), 0))
	require.NoError(t, err)
	require.Len(t, resp.Changes, 3)

	assert.Equal(t, model.ChangeCreate, resp.Changes[0].Type)
	assert.Equal(t, model.Revision(1), resp.Changes[0].Revision)
	assert.Equal(t, "one", resp.Changes[0].Record.Value("name"))

	assert.Equal(t, model.ChangeUpdate, resp.Changes[1].Type)
	assert.Equal(t, model.Revision(2), resp.Changes[1].Revision)
	assert.Equal(t, []string{"name"}, resp.Changes[1].UpdatedFields)
	assert.Equal(t, "two", resp.Changes[1].Record.Value("name"))

	assert.Equal(t, model.ChangeDelete, resp.Changes[2].Type)
	assert.Equal(t, model.Revision(3), resp.Changes[2].Revision)
	assert.Equal(t, "two", resp.Changes[2].Record.Value("name"), "delete carries the last state")

	assert.Equal(t, model.Revision(3), resp.LastRevision)
}

func TestChangesFromRevisionExclusive(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, profileDraft("a"))
	require.NoError(t, err)
	_, err = eng.Create(ctx, profileDraft("b"))
	require.NoError(t, err)

	resp, err := eng.Changes(ctx, model.NewChangeQuery(model.NewTableQuery(model.TableProfile), 1))
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, model.Revision(2), resp.Changes[0].Revision)
}

func TestChangesOtherTableEmptyButCurrent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, profileDraft("a"))
	require.NoError(t, err)

	resp, err := eng.Changes(ctx, model.NewChangeQuery(model.NewTableQuery(model.TableCompetition), 0))
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)
	assert.Equal(t, model.Revision(1), resp.LastRevision, "tip covers unrelated changes")
}

func TestChangesWithFieldFilter(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, profileDraft("keep"))
	require.NoError(t, err)
	_, err = eng.Create(ctx, profileDraft("skip"))
	require.NoError(t, err)

	query := model.NewTableQuery(model.TableProfile, model.Eq("name", "keep"))
	resp, err := eng.Changes(ctx, model.NewChangeQuery(query, 0))
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "keep", resp.Changes[0].Record.Value("name"))
}

func TestFindWithFilters(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	for _, name := range []string{"Jukola", "Tiomila", "Venla"} {
		_, err := eng.Create(ctx, model.NewRecord(model.TableCompetition, map[string]any{
			"name":  name,
			"sport": "orienteering",
		}))
		require.NoError(t, err)
	}

	all, err := eng.Find(ctx, model.NewTableQuery(model.TableCompetition))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := eng.Find(ctx, model.NewTableQuery(model.TableCompetition, model.Eq("name", "Tiomila")))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "Tiomila", one[0].Value("name"))
	assert.Equal(t, model.Revision(2), one[0].LatestRevision)

	byID, err := eng.Find(ctx, model.NewTableQuery(model.TableCompetition, model.Eq("id", all[2].Id)))
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, all[2].Id, byID[0].Id)
}

func TestFindRejectsUnknownField(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Find(context.Background(),
		model.NewTableQuery(model.TableCompetition, model.Eq("nope", 1)))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestFindJoinPath(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	newCompetition := func(name string) model.Id {
		rec, err := eng.Create(ctx, model.NewRecord(model.TableCompetition, map[string]any{
			"name": name, "sport": "orienteering",
		}))
		require.NoError(t, err)
		return rec.Id
	}
	newStage := func(comp model.Id, name string) model.Id {
		rec, err := eng.Create(ctx, model.NewRecord(model.TableStage, map[string]any{
			"competition_id": comp,
			"name":           name,
			"type":           "individual",
			"discipline":     "long",
			"date":           "2026-06-13",
			"in_totals":      true,
		}))
		require.NoError(t, err)
		return rec.Id
	}
	newCourse := func(stage model.Id, name string) {
		_, err := eng.Create(ctx, model.NewRecord(model.TableCourse, map[string]any{
			"stage_id": stage, "name": name,
		}))
		require.NoError(t, err)
	}

	compA := newCompetition("A")
	compB := newCompetition("B")
	newCourse(newStage(compA, "A1"), "course-a1")
	newCourse(newStage(compA, "A2"), "course-a2")
	newCourse(newStage(compB, "B1"), "course-b1")

	courses, err := eng.Find(ctx, model.NewTableQuery(model.TableCourse,
		model.Eq("stage_id>competition_id", compA)))
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, "course-a1", courses[0].Value("name"))
	assert.Equal(t, "course-a2", courses[1].Value("name"))
}

func TestFindJoinPathRejectsBadHop(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Find(context.Background(), model.NewTableQuery(model.TableCourse,
		model.Eq("name>competition_id", 1)))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestCompletePartialRecord(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	created, err := eng.Create(ctx, profileDraft("full"))
	require.NoError(t, err)

	partial := model.Record{Table: model.TableProfile, Id: created.Id}
	got, err := eng.Complete(ctx, partial)
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.True(t, got.Equal(created))

	// already complete records come back untouched, no storage read
	same, err := eng.Complete(ctx, created)
	require.NoError(t, err)
	assert.True(t, same.Equal(created))
}

func TestChangeHandlerRunsSynchronously(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	var seen []model.Change
	eng.SetChangeHandler(func(c model.Change) { seen = append(seen, c) })

	created, err := eng.Create(ctx, profileDraft("observed"))
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, model.ChangeCreate, seen[0].Type)
	assert.Equal(t, created.LatestRevision, seen[0].Revision)
	assert.True(t, seen[0].Record.Equal(created))
}

func TestLastRevision(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tip, err := eng.LastRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Revision(0), tip)

	_, err = eng.Create(ctx, profileDraft("a"))
	require.NoError(t, err)

	tip, err = eng.LastRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Revision(1), tip)
}

func TestMigratorLifecycle(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	m := NewMigrator(db, "sqlite3", validate.NewRegistry())

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, version, "virgin database")

	require.NoError(t, m.Create(ctx))

	version, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	require.NoError(t, m.Check(ctx))
	require.NoError(t, m.Upgrade(ctx), "upgrade at current version is a no-op")

	require.NoError(t, m.setVersion(ctx, SchemaVersion+1))
	assert.Error(t, m.Check(ctx))
	assert.Error(t, m.Upgrade(ctx), "newer schema than this build")
}
