package casewire

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCombineFiltersFreeText(t *testing.T) {
	combined := CombineFilters(FreeTextFilter("foo"), FreeTextFilter("bar"))
	assert.Equal(t, combined.FreeText, "(foo) AND (bar)")
	assert.Equal(t, len(combined.Doc), 0)
}

func TestCombineFiltersEmptyOperands(t *testing.T) {
	// empty operands are absent, not "match nothing"
	base := FreeTextFilter("bar")

	assert.Equal(t, CombineFilters(&Filter{}, base), base)
	assert.Equal(t, CombineFilters(nil, base), base)
	assert.Equal(t, CombineFilters(DocFilter(map[string]any{}), base), base)
	assert.Equal(t, CombineFilters(base, nil), base)
}

func TestCombineFiltersBothEmpty(t *testing.T) {
	combined := CombineFilters(nil, nil)
	assert.Equal(t, combined.Doc, map[string]any{"_any": "*"})
}

func TestCombineFiltersStructured(t *testing.T) {
	filter := FieldFilter("status", "Open")
	base := FreeTextFilter("bar")

	combined := CombineFilters(filter, base)
	assert.Equal(t, combined.Doc, map[string]any{
		"_and": []any{
			filter.Doc,
			map[string]any{"_string": "bar"},
		},
	})
}

func TestFilterMarshal(t *testing.T) {
	data, err := json.Marshal(FreeTextFilter("status:Open"))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `{"_string":"status:Open"}`)

	data, err = json.Marshal(MatchAllFilter())
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `{"_any":"*"}`)
}

func TestPageRange(t *testing.T) {
	rng := PageRange(3, 15)
	assert.Equal(t, rng.Start, 30)
	assert.Equal(t, rng.End, 45)
	assert.Equal(t, rng.String(), "30-45")

	assert.Equal(t, PageRange(1, 10).String(), "0-10")
	assert.Equal(t, AllRange().String(), "all")
}
