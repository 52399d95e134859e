package synthesis

import (
	"fmt"
	"strings"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/cube"
)

// Snap records a filter value replaced by a controlled-vocabulary entry.
type Snap struct {
	Member string `json:"member"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// RepairReport lists what Repair changed.
type RepairReport struct {
	DroppedFilters  int    `json:"dropped_filters,omitempty"`
	InjectedOrder   bool   `json:"injected_order,omitempty"`
	DroppedTimeDims int    `json:"dropped_time_dimensions,omitempty"`
	Snapped         []Snap `json:"snapped,omitempty"`
}

// Changed reports whether Repair modified the query.
func (r RepairReport) Changed() bool {
	return r.DroppedFilters > 0 || r.InjectedOrder || r.DroppedTimeDims > 0 || len(r.Snapped) > 0
}

// Repair normalizes a synthesized query in place:
//   - filters without a member (or empty groups) are dropped and an empty
//     filter list is removed entirely;
//   - at most one time dimension is kept;
//   - a missing order becomes the first measure descending, else
//     defaultOrder descending when the catalog knows it, else the first
//     dimension ascending;
//   - equality filter values on dimensions with a controlled vocabulary are
//     snapped to the closest allowed value.
func Repair(q *cube.Query, cat *cube.Catalog, defaultOrder string) RepairReport {
	var rep RepairReport

	q.Filters = cleanFilters(q.Filters, &rep)
	if len(q.Filters) == 0 {
		q.Filters = nil
	}

	if len(q.TimeDimensions) > 1 {
		rep.DroppedTimeDims = len(q.TimeDimensions) - 1
		q.TimeDimensions = q.TimeDimensions[:1]
	}

	if len(q.Order) == 0 {
		if item, ok := defaultOrderFor(*q, cat, defaultOrder); ok {
			q.Order = cube.Order{item}
			rep.InjectedOrder = true
		}
	}

	if cat != nil {
		snapFilters(q.Filters, cat, &rep)
	}
	return rep
}

func cleanFilters(fs []cube.Filter, rep *RepairReport) []cube.Filter {
	out := fs[:0]
	for _, f := range fs {
		if len(f.Or) > 0 || len(f.And) > 0 {
			f.Or = cleanFilters(f.Or, rep)
			f.And = cleanFilters(f.And, rep)
			if len(f.Or) == 0 && len(f.And) == 0 {
				rep.DroppedFilters++
				continue
			}
			out = append(out, f)
			continue
		}
		if strings.TrimSpace(f.Member) == "" || strings.TrimSpace(f.Operator) == "" {
			rep.DroppedFilters++
			continue
		}
		out = append(out, f)
	}
	return out
}

func defaultOrderFor(q cube.Query, cat *cube.Catalog, fallback string) (cube.OrderItem, bool) {
	if len(q.Measures) > 0 {
		return cube.OrderItem{Member: q.Measures[0], Direction: "desc"}, true
	}
	if fallback != "" && (cat == nil || cat.Kind(fallback) == cube.KindMeasure) {
		return cube.OrderItem{Member: fallback, Direction: "desc"}, true
	}
	if len(q.Dimensions) > 0 {
		return cube.OrderItem{Member: q.Dimensions[0], Direction: "asc"}, true
	}
	if len(q.TimeDimensions) > 0 {
		return cube.OrderItem{Member: q.TimeDimensions[0].Dimension, Direction: "asc"}, true
	}
	return cube.OrderItem{}, false
}

var snappableOperators = map[string]bool{"equals": true, "notEquals": true}

func snapFilters(fs []cube.Filter, cat *cube.Catalog, rep *RepairReport) {
	for i := range fs {
		f := &fs[i]
		snapFilters(f.Or, cat, rep)
		snapFilters(f.And, cat, rep)
		if !snappableOperators[f.Operator] {
			continue
		}
		m, ok := cat.Member(f.Member)
		if !ok || !m.HasVocabulary() {
			continue
		}
		for j, v := range f.Values {
			if to := snapValue(v, m); to != v {
				rep.Snapped = append(rep.Snapped, Snap{Member: f.Member, From: v, To: to})
				f.Values[j] = to
			}
		}
	}
}

// snapValue maps v onto the member's vocabulary: exact match, then
// case-insensitive match, then synonym, then the entry with the smallest
// edit distance. Declaration order breaks ties in the last two steps.
func snapValue(v string, m *cube.Member) string {
	for _, pv := range m.PossibleValues {
		if pv == v {
			return v
		}
	}
	lv := strings.ToLower(strings.TrimSpace(v))
	for _, pv := range m.PossibleValues {
		if strings.ToLower(pv) == lv {
			return pv
		}
	}
	for _, pv := range m.PossibleValues {
		for _, a := range m.Synonyms[pv] {
			if strings.ToLower(a) == lv {
				return pv
			}
		}
	}

	best, bestDist := v, -1
	for _, pv := range m.PossibleValues {
		if d := levenshtein(lv, strings.ToLower(pv)); bestDist < 0 || d < bestDist {
			best, bestDist = pv, d
		}
	}
	return best
}

// levenshtein calculates the edit distance between two strings.
func levenshtein(s1, s2 string) int {
	a, b := []rune(s1), []rune(s2)
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// Use a single row of the DP table for space efficiency
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Validate checks that every member q references is declared in the
// catalog with a compatible kind.
func Validate(q cube.Query, cat *cube.Catalog) error {
	if len(q.Measures) == 0 && len(q.Dimensions) == 0 && len(q.TimeDimensions) == 0 {
		return fmt.Errorf("%w: query selects no measures or dimensions", apperrors.ErrSynthesis)
	}
	if cat == nil {
		return nil
	}

	var problems []string
	check := func(name string, ok func(cube.MemberKind) bool, role string) {
		k := cat.Kind(name)
		switch {
		case k == cube.KindUnknown:
			problems = append(problems, fmt.Sprintf("unknown member %q", name))
		case !ok(k):
			problems = append(problems, fmt.Sprintf("%q is not a %s", name, role))
		}
	}
	isMeasure := func(k cube.MemberKind) bool { return k == cube.KindMeasure }
	isDim := func(k cube.MemberKind) bool { return k == cube.KindDimension || k == cube.KindTimeDimension }
	isTime := func(k cube.MemberKind) bool { return k == cube.KindTimeDimension }
	isSeg := func(k cube.MemberKind) bool { return k == cube.KindSegment }
	notSeg := func(k cube.MemberKind) bool { return k != cube.KindSegment }

	for _, m := range q.Measures {
		check(m, isMeasure, "measure")
	}
	for _, d := range q.Dimensions {
		check(d, isDim, "dimension")
	}
	for _, td := range q.TimeDimensions {
		check(td.Dimension, isTime, "time dimension")
	}
	for _, s := range q.Segments {
		check(s, isSeg, "segment")
	}
	var walk func([]cube.Filter)
	walk = func(fs []cube.Filter) {
		for _, f := range fs {
			if f.Member != "" {
				check(f.Member, notSeg, "filterable member")
			}
			walk(f.Or)
			walk(f.And)
		}
	}
	walk(q.Filters)
	for _, o := range q.Order {
		check(o.Member, notSeg, "sortable member")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrSynthesis, strings.Join(problems, "; "))
	}
	return nil
}
