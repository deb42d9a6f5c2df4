// Package task holds the records exchanged between the sync protocol and
// the store.
package task

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Task is one tracked unit of work. DurationText is "HH:MM:SS"; when
// ToggledAt is non-zero the task is accumulating time and its live
// duration is DurationText plus (now - ToggledAt).
type Task struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at"`
	DurationText   string `json:"duration"`
	Category       string `json:"category"`
	Tags           string `json:"tags"`
	ToggledAt      int64  `json:"toggled_at"`
	IsActive       Flag   `json:"is_active"`
	IsCompleted    Flag   `json:"is_completed"`
	UserID         string `json:"user_id"`
	LastModifiedAt int64  `json:"last_modified_at"`
}

// Running reports whether the task is accumulating elapsed time.
func (t Task) Running() bool { return t.ToggledAt > 0 }

// Toggle is the payload of a start/stop.
type Toggle struct {
	ID             string `json:"uuid"`
	ToggledAt      int64  `json:"toggled_at"`
	IsActive       Flag   `json:"is_active"`
	DurationText   string `json:"duration"`
	LastModifiedAt int64  `json:"last_modified_at"`
}

// Edit is the payload of a metadata change.
type Edit struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	Tags           string `json:"tags"`
	LastModifiedAt int64  `json:"last_modified_at"`
}

// Completion is the payload of a manual completion.
type Completion struct {
	ID             string `json:"id"`
	DurationText   string `json:"duration"`
	CompletedAt    string `json:"completed_at"`
	LastModifiedAt int64  `json:"last_modified_at"`
}

// CompletedFilter narrows the historical completed-task query.
type CompletedFilter struct {
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Tags        string `json:"tags"`
	SearchQuery string `json:"search_query"`
	Category    string `json:"category"`
}

// User is the profile supplied at connect time.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Settings are the per-user preferences pushed with every snapshot.
type Settings struct {
	Categories  string `json:"categories"`
	KeyCommands string `json:"key_commands"`
}

// Flag is a boolean stored as 0/1. It decodes from JSON booleans or
// numbers and always encodes as a boolean.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "true", "1", `"1"`, `"true"`:
		*f = true
	case "false", "0", "null", `"0"`, `"false"`, `""`:
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", b)
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}

// Value implements driver.Valuer.
func (f Flag) Value() (driver.Value, error) {
	if f {
		return int64(1), nil
	}
	return int64(0), nil
}

// Scan implements sql.Scanner.
func (f *Flag) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = false
	case int64:
		*f = v != 0
	case bool:
		*f = Flag(v)
	case []byte:
		return f.UnmarshalJSON(v)
	case string:
		return f.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into Flag", src)
	}
	return nil
}
