package retrieval

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// marshalRecords writes records as a JSON object keyed by id. Keys appear
// in slice order so the file preserves insertion order.
func marshalRecords(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("\n  ")
		key, err := json.Marshal(r.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding record %s: %w", r.ID, err)
		}
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(val)
	}
	if len(records) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// unmarshalRecords reads an id-keyed JSON object back into a slice,
// keeping the key order of the file.
func unmarshalRecords(b []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("metadata must be a JSON object, got %v", tok)
	}

	var records []Record
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading metadata key: %w", err)
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("metadata key must be a string, got %v", tok)
		}

		var r Record
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", id, err)
		}
		if r.ID == "" {
			r.ID = id
		} else if r.ID != id {
			return nil, fmt.Errorf("record key %s holds id %s", id, r.ID)
		}
		if r.Metadata == nil {
			r.Metadata = Metadata{}
		}
		records = append(records, r)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading metadata end: %w", err)
	}
	return records, nil
}
