package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggest(t *testing.T) {
	current := schemaOf(map[string]FieldType{"event_title": TypeString, "price": TypeNumber, "kept": TypeString})
	detected := schemaOf(map[string]FieldType{"eventTitle": TypeString, "price": TypeString, "kept": TypeString, "unrelated": TypeBoolean})

	diff := Compare(current, detected)
	diff.TypeChanges[0].Breaking = true

	suggestions := Suggest(diff, current, detected)
	require.Len(t, suggestions, 2)

	assert.Equal(t, TransformRename, suggestions[0].Type)
	assert.Equal(t, "eventTitle", suggestions[0].From)
	assert.Equal(t, "event_title", suggestions[0].To)

	assert.Equal(t, TransformTypeCast, suggestions[1].Type)
	assert.Equal(t, "price", suggestions[1].From)
	assert.Equal(t, TypeNumber, suggestions[1].TargetType)
	assert.Equal(t, FormatDecimalPoint, suggestions[1].Format)
}

func TestApply(t *testing.T) {
	record := map[string]any{
		"eventTitle": "  Summer Fest ",
		"price":      "1.234,50",
		"first":      "Ada",
		"last":       "Lovelace",
		"coords":     "52.52; 13.40",
		"day":        "21/06/2026",
		"venue":      map[string]any{"name": "park"},
	}

	out, errs := Apply(record, []Transform{
		{Type: TransformRename, From: "eventTitle", To: "title"},
		{Type: TransformStringOp, From: "title", Operation: OpTrim},
		{Type: TransformTypeCast, From: "price", TargetType: TypeNumber, Format: FormatDecimalComma},
		{Type: TransformConcatenate, Sources: []string{"first", "last"}, Separator: " ", To: "organizer"},
		{Type: TransformSplit, From: "coords", Separator: ";", Targets: []string{"lat", "lon"}},
		{Type: TransformTypeCast, From: "day", TargetType: TypeDate, Format: "02/01/2006"},
		{Type: TransformStringOp, From: "venue.name", Operation: OpUppercase},
	})

	require.Empty(t, errs)
	assert.Equal(t, "Summer Fest", out["title"])
	assert.NotContains(t, out, "eventTitle")
	assert.InDelta(t, 1234.5, out["price"], 1e-9)
	assert.Equal(t, "Ada Lovelace", out["organizer"])
	assert.Equal(t, "52.52", out["lat"])
	assert.Equal(t, "13.40", out["lon"])
	assert.Equal(t, time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC).Format(time.RFC3339), out["day"])
	assert.Equal(t, "PARK", out["venue"].(map[string]any)["name"])

	// The input record is untouched.
	assert.Equal(t, "  Summer Fest ", record["eventTitle"])
	assert.Equal(t, "park", record["venue"].(map[string]any)["name"])
}

func TestApply_Errors(t *testing.T) {
	out, errs := Apply(map[string]any{"n": "abc"}, []Transform{
		{Type: TransformTypeCast, From: "n", TargetType: TypeInteger},
		{Type: "explode"},
	})

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrTransform)
	assert.ErrorIs(t, errs[1], ErrTransform)
	assert.Equal(t, "abc", out["n"])
}

func TestCast(t *testing.T) {
	v, err := Cast("yes", TypeBoolean, "")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Cast("1,000", TypeInteger, "")
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, v, 0)

	_, err = Cast(map[string]any{}, TypeString, "")
	assert.Error(t, err)
}
