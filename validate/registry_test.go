package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsed/sportsed/model"
)

func TestValidateFieldTypes(t *testing.T) {
	r := NewRegistry()

	assert.NoError(t, r.ValidateField(model.TableProfile, "name", "foo"))
	assert.Error(t, r.ValidateField(model.TableProfile, "name", 5))
	assert.NoError(t, r.ValidateField(model.TableProfile, "value", "{}"))
	assert.Error(t, r.ValidateField(model.TableProfile, "value", "{broken"))
	assert.NoError(t, r.ValidateField(model.TableStage, "competition_id", int64(3)))
	assert.NoError(t, r.ValidateField(model.TableStage, "competition_id", float64(3)))
	assert.Error(t, r.ValidateField(model.TableStage, "competition_id", 3.5))
	assert.NoError(t, r.ValidateField(model.TableStage, "in_totals", true))
	assert.Error(t, r.ValidateField(model.TableStage, "in_totals", "yes"))
	assert.NoError(t, r.ValidateField(model.TableStage, "date", "2026-08-30"))
	assert.Error(t, r.ValidateField(model.TableStage, "date", "30/08/2026"))
	assert.NoError(t, r.ValidateField(model.TableClient, "ip", "192.168.0.1"))
	assert.NoError(t, r.ValidateField(model.TableClient, "ip", "local"))
	assert.Error(t, r.ValidateField(model.TableClient, "ip", "not-an-ip"))
	assert.NoError(t, r.ValidateField(model.TableCourseControl, "distance_from_previous", 12.5))
}

func TestValidateFieldUnknown(t *testing.T) {
	r := NewRegistry()

	err := r.ValidateField(model.TableProfile, "bogus", "x")
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestValidateRecordRequiresAllFields(t *testing.T) {
	r := NewRegistry()

	rec := model.NewRecord(model.TableProfile, map[string]any{"type": "t", "name": "n"})
	err := r.ValidateRecord(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value")

	rec.SetValue("value", "{}")
	assert.NoError(t, r.ValidateRecord(rec))
}

func TestCoerce(t *testing.T) {
	r := NewRegistry()

	v, err := r.Coerce(model.TableStage, "competition_id", float64(4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	v, err = r.Coerce(model.TableStage, "competition_id", "4")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	v, err = r.Coerce(model.TableStage, "in_totals", float64(1))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = r.Coerce(model.TableCourseControl, "distance_from_previous", int64(3))
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	_, err = r.Coerce(model.TableStage, "competition_id", "four")
	require.Error(t, err)

	_, err = r.Coerce(model.TableStage, "nope", 1)
	require.Error(t, err)
}

func TestCoerceRecord(t *testing.T) {
	r := NewRegistry()

	// JSON decoding hands every number over as float64.
	rec := model.NewRecord(model.TableCourseControl, map[string]any{
		"control_id":             float64(1),
		"course_id":              float64(2),
		"order":                  float64(3),
		"distance_from_previous": float64(120.5),
	})
	out, err := r.CoerceRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Value("control_id"))
	assert.Equal(t, int64(3), out.Value("order"))
	assert.Equal(t, 120.5, out.Value("distance_from_previous"))
}
