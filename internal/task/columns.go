package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON-backed columns. SQLite stores these as TEXT; empty values
// round-trip as NULL so the rows stay compact.

// Metadata is a free-form JSON object attached to tasks and workflows.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m, "metadata")
}

// Clone returns a shallow copy, never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SectionList is the ordered sections of a context snapshot.
type SectionList []Section

// Value implements driver.Valuer.
func (s SectionList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *SectionList) Scan(src any) error {
	return scanJSON(src, s, "sections")
}

// ScoreMap holds per-dimension evaluation scores.
type ScoreMap map[string]float64

// Value implements driver.Valuer.
func (s ScoreMap) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *ScoreMap) Scan(src any) error {
	return scanJSON(src, s, "scores")
}

func scanJSON(src, dst any, what string) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan %s: unsupported type %T", what, src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("scan %s: %w", what, err)
	}
	return nil
}
