package retrieval

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Metadata keys written by the pipeline.
const (
	KeyStatus             = "status"
	KeyErrorMessage       = "error_message"
	KeyStructuredQuery    = "structured_query"
	KeyResultData         = "result_data"
	KeyFormattedResponse  = "formatted_response"
	KeyFeedback           = "feedback"
	KeySimilarQueriesInfo = "similar_queries_info"
	KeyRequestID          = "request_id"
	KeyTimestamp          = "timestamp"
	KeyKind               = "kind"
	KeyAugmentedQuery     = "augmented_query"
)

const (
	StatusPass = "pass"
	StatusFail = "fail"

	// KindOutcome marks the single terminal record written per question.
	KindOutcome = "outcome"
	// KindDraft marks the lightweight record written right after synthesis.
	KindDraft = "draft"
)

// Record is one persisted question together with what the pipeline made of it.
type Record struct {
	ID       string   `json:"id"`
	Query    string   `json:"query"`
	Response *string  `json:"response"`
	Metadata Metadata `json:"metadata"`
}

// Metadata holds only scalars (string, bool, numbers, nil). Nested values
// are stored as JSON strings; see FlattenMetadata.
type Metadata map[string]any

// Feedback is the user rating attached to a record.
type Feedback struct {
	Rating  int     `json:"rating"`
	Message *string `json:"message"`
}

// FlattenMetadata returns a copy of in where every non-scalar value has been
// serialized to a JSON string. The conversion is one-way.
func FlattenMetadata(in map[string]any) Metadata {
	out := make(Metadata, len(in))
	for k, v := range in {
		out[k] = flattenValue(v)
	}
	return out
}

func flattenValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return x
	case json.RawMessage:
		return string(x)
	}

	// Typed nil pointers, maps and slices become null rather than "null".
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func (r Record) clone() Record {
	c := r
	if r.Response != nil {
		s := *r.Response
		c.Response = &s
	}
	c.Metadata = make(Metadata, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	return c
}

func (r Record) str(key string) string {
	s, _ := r.Metadata[key].(string)
	return s
}

// Status returns the pass/fail status, or "" when unset.
func (r Record) Status() string { return r.str(KeyStatus) }

// Kind returns KindOutcome or KindDraft. Records written before kinds
// existed count as outcomes.
func (r Record) Kind() string {
	if k := r.str(KeyKind); k != "" {
		return k
	}
	return KindOutcome
}

// ErrorMessage returns the recorded failure diagnostic, if any.
func (r Record) ErrorMessage() string { return r.str(KeyErrorMessage) }

// StructuredQuery returns the serialized structured query, if any.
func (r Record) StructuredQuery() string { return r.str(KeyStructuredQuery) }

// Feedback parses the feedback sub-key. It returns nil, nil when no
// feedback has been submitted.
func (r Record) Feedback() (*Feedback, error) {
	raw := r.str(KeyFeedback)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var fb Feedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return nil, fmt.Errorf("parsing feedback of %s: %w", r.ID, err)
	}
	return &fb, nil
}

// Rating returns the feedback rating and whether one exists. Malformed
// feedback counts as no rating.
func (r Record) Rating() (int, bool) {
	fb, err := r.Feedback()
	if err != nil || fb == nil {
		return 0, false
	}
	return fb.Rating, true
}

// ResultRows parses the stored result rows. It returns nil, nil when the
// record has no result data.
func (r Record) ResultRows() ([]map[string]any, error) {
	raw := r.str(KeyResultData)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("parsing result data of %s: %w", r.ID, err)
	}
	return rows, nil
}
