package casewire

import (
	"encoding/json"
	"fmt"
)

// Filter is one search predicate. Either a free-text query string or a
// structured predicate document; a nil or zero Filter is absent and is
// dropped when combining.
type Filter struct {
	FreeText string
	Doc      map[string]any
}

func FreeTextFilter(query string) *Filter {
	return &Filter{FreeText: query}
}

func DocFilter(doc map[string]any) *Filter {
	return &Filter{Doc: doc}
}

func FieldFilter(field string, value any) *Filter {
	return &Filter{Doc: map[string]any{"_field": map[string]any{field: value}}}
}

// matches every entity
func MatchAllFilter() *Filter {
	return &Filter{Doc: map[string]any{"_any": "*"}}
}

func (self *Filter) IsEmpty() bool {
	return self == nil || (self.FreeText == "" && len(self.Doc) == 0)
}

// wire form
func (self *Filter) doc() map[string]any {
	if self.FreeText != "" {
		return map[string]any{"_string": self.FreeText}
	}
	return self.Doc
}

func (self *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.doc())
}

// CombineFilters joins a view filter with its base filter:
//   - both free-text: a single free-text AND-expression
//   - otherwise: a structured AND of whichever operands are non-empty
//   - a single non-empty operand passes through unchanged
//   - both empty: match-all
//
// Empty strings, nil filters, and empty docs are absent, never
// "match nothing".
func CombineFilters(filter *Filter, baseFilter *Filter) *Filter {
	if !filter.IsEmpty() && !baseFilter.IsEmpty() &&
		filter.FreeText != "" && baseFilter.FreeText != "" {
		return FreeTextFilter(fmt.Sprintf("(%s) AND (%s)", filter.FreeText, baseFilter.FreeText))
	}

	present := []*Filter{}
	for _, f := range []*Filter{filter, baseFilter} {
		if !f.IsEmpty() {
			present = append(present, f)
		}
	}

	switch len(present) {
	case 0:
		return MatchAllFilter()
	case 1:
		return present[0]
	default:
		docs := []any{}
		for _, f := range present {
			docs = append(docs, f.doc())
		}
		return DocFilter(map[string]any{"_and": docs})
	}
}

// QueryRange is the half-open result window of one query, or the full
// result set when All is set.
type QueryRange struct {
	All   bool
	Start int
	End   int
}

func AllRange() QueryRange {
	return QueryRange{All: true}
}

func PageRange(currentPage int, pageSize int) QueryRange {
	end := currentPage * pageSize
	return QueryRange{
		Start: end - pageSize,
		End:   end,
	}
}

func (self QueryRange) String() string {
	if self.All {
		return "all"
	}
	return fmt.Sprintf("%d-%d", self.Start, self.End)
}
