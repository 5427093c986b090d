// Package snapshot holds the published telemetry state and the store that
// hands it from the acquisition loop to any number of readers.
package snapshot

import (
	"encoding/json"
	"strconv"
	"time"
)

// Reading is a decoded value for one metric, or explicitly nothing.
// The zero Reading is absent; zero is a valid physical value for several
// metrics so it is never used as a sentinel.
type Reading struct {
	value float64
	ok    bool
}

// Present returns a Reading carrying v.
func Present(v float64) Reading { return Reading{value: v, ok: true} }

// Absent returns a Reading with no value.
func Absent() Reading { return Reading{} }

// Value returns the reading's value and whether it is present.
func (r Reading) Value() (float64, bool) { return r.value, r.ok }

// Valid reports whether the reading carries a value.
func (r Reading) Valid() bool { return r.ok }

// MarshalJSON renders a number, or null when absent.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.ok {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, r.value, 'f', -1, 64), nil
}

// UnmarshalJSON accepts a number or null.
func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Reading{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Present(v)
	return nil
}

// Adapter identifies the configured OBD adapter.
type Adapter struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Snapshot is the complete state published after one acquisition cycle.
// Once published it is shared with readers and must not be modified.
type Snapshot struct {
	Seq       uint64             `json:"seq"`
	Connected bool               `json:"connected"`
	UpdatedAt time.Time          `json:"updated_at"`
	Adapter   Adapter            `json:"adapter"`
	LastError *string            `json:"last_error"`
	Metrics   map[string]Reading `json:"metrics"`
}

// Reading returns the reading for id; unknown ids are absent.
func (s *Snapshot) Reading(id string) Reading {
	return s.Metrics[id]
}

// Err returns the last error text, or "" when there is none.
func (s *Snapshot) Err() string {
	if s.LastError == nil {
		return ""
	}
	return *s.LastError
}

// AllAbsent returns a metrics map with every id present as an absent reading.
func AllAbsent(ids []string) map[string]Reading {
	m := make(map[string]Reading, len(ids))
	for _, id := range ids {
		m[id] = Absent()
	}
	return m
}

// ErrorText converts a message into the optional last_error field.
func ErrorText(msg string) *string {
	if msg == "" {
		return nil
	}
	return &msg
}
