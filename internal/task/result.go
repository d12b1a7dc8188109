package task

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Code is the outcome of one execution attempt. The set is closed.
type Code int

const (
	CodeUnknown Code = iota
	CodeOK
	CodeErrorCheckingDependencies
	CodeErrorInBody
	CodeErrorException
	CodeRemoved
	CodeWaitForDependency
)

var codeNames = [...]string{
	CodeUnknown:                   "unknown",
	CodeOK:                        "ok",
	CodeErrorCheckingDependencies: "error_checking_dependencies",
	CodeErrorInBody:               "error_in_body",
	CodeErrorException:            "error_exception",
	CodeRemoved:                   "removed",
	CodeWaitForDependency:         "wait_for_dependency",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("code(%d)", int(c))
	}
	return codeNames[c]
}

// Codes lists every code in declaration order.
func Codes() []Code {
	out := make([]Code, len(codeNames))
	for i := range codeNames {
		out[i] = Code(i)
	}
	return out
}

func (c Code) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

var resultSerial atomic.Uint64

// Result is the immutable record of one lifecycle step of a task.
//
// Every Result gets a process-unique serial at construction; History uses it
// to remove a specific entry.
type Result struct {
	taskID  int64
	isError bool
	code    Code
	detail  string
	payload any
	persist bool

	serial uint64
	at     time.Time
}

// NewResult builds a Result. WAIT results are never persisted regardless of persist.
func NewResult(taskID int64, isError bool, code Code, detail string, payload any, persist bool) Result {
	if code == CodeWaitForDependency {
		persist = false
	}
	return Result{
		taskID:  taskID,
		isError: isError,
		code:    code,
		detail:  detail,
		payload: payload,
		persist: persist,
		serial:  resultSerial.Add(1),
		at:      time.Now(),
	}
}

// OK is a successful result carrying payload.
func OK(taskID int64, payload any) Result {
	return NewResult(taskID, false, CodeOK, "", payload, true)
}

// Unknown is the placeholder used when a hook returns no result.
func Unknown(taskID int64) Result {
	return NewResult(taskID, false, CodeUnknown, "", nil, true)
}

// Fail is an error result with the given code.
func Fail(taskID int64, code Code, detail string, payload any) Result {
	return NewResult(taskID, true, code, detail, payload, true)
}

// Exception wraps a fault captured while running a task.
func Exception(taskID int64, fault any) Result {
	return NewResult(taskID, true, CodeErrorException, fmt.Sprint(fault), fault, true)
}

// Removed is produced for periodic tasks dropped through the killable flag.
func Removed(taskID int64, detail string) Result {
	return NewResult(taskID, false, CodeRemoved, detail, nil, true)
}

// WaitResult tells the scheduler the task must wait for waitID.
func WaitResult(taskID, waitID int64) Result {
	return NewResult(taskID, false, CodeWaitForDependency, fmt.Sprintf("waiting for task id=%d", waitID), waitID, false)
}

func (r Result) TaskID() int64  { return r.taskID }
func (r Result) IsError() bool  { return r.isError }
func (r Result) Code() Code     { return r.code }
func (r Result) Detail() string { return r.detail }
func (r Result) Payload() any   { return r.payload }
func (r Result) Persist() bool  { return r.persist }
func (r Result) Serial() uint64 { return r.serial }
func (r Result) At() time.Time  { return r.at }

// IsZero reports whether r was never constructed.
func (r Result) IsZero() bool { return r.serial == 0 }

// WithoutHistory returns a copy that the scheduler will not append to History.
func (r Result) WithoutHistory() Result {
	r.persist = false
	return r
}

func (r Result) String() string {
	if r.detail == "" {
		return fmt.Sprintf("task=%d code=%s error=%t", r.taskID, r.code, r.isError)
	}
	return fmt.Sprintf("task=%d code=%s error=%t detail=%q", r.taskID, r.code, r.isError, r.detail)
}

type resultJSON struct {
	TaskID  int64     `json:"task_id"`
	IsError bool      `json:"is_error"`
	Code    Code      `json:"code"`
	Detail  string    `json:"detail,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Persist bool      `json:"persist"`
	Serial  uint64    `json:"serial"`
	At      time.Time `json:"at"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		TaskID:  r.taskID,
		IsError: r.isError,
		Code:    r.code,
		Detail:  r.detail,
		Persist: r.persist,
		Serial:  r.serial,
		At:      r.at,
	}
	switch p := r.payload.(type) {
	case nil:
	case error:
		out.Payload = p.Error()
	default:
		if _, err := json.Marshal(p); err == nil {
			out.Payload = p
		} else {
			out.Payload = fmt.Sprint(p)
		}
	}
	return json.Marshal(out)
}
