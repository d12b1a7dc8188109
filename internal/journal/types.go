package journal

import (
	"encoding/json"
	"errors"
	"time"

	"tasksched/internal/task"
)

var ErrClosed = errors.New("journal closed")

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
	Buffer      int           `json:"buffer"`       // sink queue length; 0 means DefaultBuffer
}

// Entry is one journaled result. Keep it compact and schema-stable.
type Entry struct {
	Serial  uint64          `json:"serial"`
	At      time.Time       `json:"at"`
	TaskID  int64           `json:"task_id"`
	Name    string          `json:"name"`
	Kind    string          `json:"kind"`
	Code    string          `json:"code"`
	IsError bool            `json:"is_error"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EntryOf builds the journal entry for r produced by t.
func EntryOf(t *task.Task, r task.Result) Entry {
	e := Entry{
		Serial:  r.Serial(),
		At:      r.At(),
		TaskID:  r.TaskID(),
		Code:    r.Code().String(),
		IsError: r.IsError(),
		Detail:  r.Detail(),
		Payload: payloadJSON(r),
	}
	if t != nil {
		e.Name = t.Name()
		e.Kind = t.Kind().String()
	}
	return e
}

// payloadJSON reuses the result's own JSON encoding of its payload.
func payloadJSON(r task.Result) json.RawMessage {
	if r.Payload() == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var v struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v.Payload
}
