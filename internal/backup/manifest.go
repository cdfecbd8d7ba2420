package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Manifest is the ordered set of per-target results of one run. It encodes
// as a JSON object whose keys follow target order.
type Manifest struct {
	entries []Result
}

func NewManifest(results ...Result) *Manifest {
	entries := make([]Result, len(results))
	copy(entries, results)
	return &Manifest{entries: entries}
}

func (m *Manifest) Results() []Result {
	out := make([]Result, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manifest) Keys() []string {
	keys := make([]string, len(m.entries))
	for i, entry := range m.entries {
		keys[i] = entry.Key
	}
	return keys
}

func (m *Manifest) Get(key string) (Result, bool) {
	for _, entry := range m.entries {
		if entry.Key == key {
			return entry, true
		}
	}
	return Result{}, false
}

func (m *Manifest) Len() int {
	return len(m.entries)
}

// OK reports whether every target succeeded.
func (m *Manifest) OK() bool {
	for _, entry := range m.entries {
		if !entry.Success {
			return false
		}
	}
	return true
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("failed to decode manifest: expected object, got %v", tok)
	}

	var entries []Result
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode manifest: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("failed to decode manifest: unexpected key %v", tok)
		}

		var result Result
		if err := dec.Decode(&result); err != nil {
			return fmt.Errorf("failed to decode manifest entry %q: %w", key, err)
		}
		result.Key = key
		entries = append(entries, result)
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}

	m.entries = entries
	return nil
}
