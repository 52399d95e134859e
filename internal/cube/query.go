package cube

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Query is a Cube.js load query.
type Query struct {
	Measures       []string        `json:"measures,omitempty"`
	Dimensions     []string        `json:"dimensions,omitempty"`
	TimeDimensions []TimeDimension `json:"timeDimensions,omitempty"`
	Segments       []string        `json:"segments,omitempty"`
	Filters        []Filter        `json:"filters,omitempty"`
	Order          Order           `json:"order,omitempty"`
	Limit          *int            `json:"limit,omitempty"`
	Offset         *int            `json:"offset,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
}

// TimeDimension selects a time member, with optional bucketing and range.
// DateRange is either a relative string ("last month") or a [from, to] pair.
type TimeDimension struct {
	Dimension   string `json:"dimension"`
	Granularity string `json:"granularity,omitempty"`
	DateRange   any    `json:"dateRange,omitempty"`
}

// Filter is a member filter or a logical group (Or/And).
type Filter struct {
	Member   string   `json:"member,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Values   Values   `json:"values,omitempty"`
	Or       []Filter `json:"or,omitempty"`
	And      []Filter `json:"and,omitempty"`
}

// Values holds filter values. Cube.js expects strings; numbers and booleans
// produced by a model are converted on decode.
type Values []string

func (v *Values) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	items, ok := raw.([]any)
	if !ok {
		// A bare scalar is accepted as a single value.
		items = []any{raw}
	}
	out := make(Values, 0, len(items))
	for _, it := range items {
		switch x := it.(type) {
		case nil:
		case string:
			out = append(out, x)
		case json.Number:
			out = append(out, x.String())
		case bool:
			out = append(out, strconv.FormatBool(x))
		default:
			return fmt.Errorf("unsupported filter value %v", x)
		}
	}
	*v = out
	return nil
}

// OrderItem is one sort key.
type OrderItem struct {
	Member    string
	Direction string
}

// Order is an ordered list of sort keys. It encodes as a Cube.js order
// object and decodes from either the object or the [[member, dir]] array
// form.
type Order []OrderItem

func (o Order) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, it := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(it.Member)
		v, _ := json.Marshal(it.Direction)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *Order) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*o = nil
		return nil
	}

	if b[0] == '[' {
		var pairs [][]string
		if err := json.Unmarshal(b, &pairs); err != nil {
			return fmt.Errorf("decoding order array: %w", err)
		}
		out := make(Order, 0, len(pairs))
		for _, p := range pairs {
			if len(p) != 2 {
				return fmt.Errorf("order entry %v must be [member, direction]", p)
			}
			out = append(out, OrderItem{Member: p[0], Direction: normalizeDirection(p[1])})
		}
		*o = out
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	if tok, err := dec.Token(); err != nil {
		return err
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("order must be an object or array")
	}
	var out Order
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		member, _ := tok.(string)
		var dir string
		if err := dec.Decode(&dir); err != nil {
			return fmt.Errorf("decoding order direction for %s: %w", member, err)
		}
		out = append(out, OrderItem{Member: member, Direction: normalizeDirection(dir)})
	}
	*o = out
	return nil
}

func normalizeDirection(d string) string {
	if strings.EqualFold(strings.TrimSpace(d), "asc") {
		return "asc"
	}
	return "desc"
}

// Members returns every member the query references, in query order.
func (q Query) Members() []string {
	var out []string
	out = append(out, q.Measures...)
	out = append(out, q.Dimensions...)
	for _, td := range q.TimeDimensions {
		out = append(out, td.Dimension)
	}
	out = append(out, q.Segments...)
	var walk func([]Filter)
	walk = func(fs []Filter) {
		for _, f := range fs {
			if f.Member != "" {
				out = append(out, f.Member)
			}
			walk(f.Or)
			walk(f.And)
		}
	}
	walk(q.Filters)
	for _, o := range q.Order {
		out = append(out, o.Member)
	}
	return out
}

// String returns the compact JSON form stored in history.
func (q Query) String() string {
	b, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return string(b)
}
