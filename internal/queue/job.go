package queue

import (
	"time"
)

// State is the lifecycle state of one dispatch job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// Entry is one recipient of a batched send: destination identifier plus the
// substitution data for that recipient's render of the template.
type Entry struct {
	To   string            `json:"to"`
	Data map[string]string `json:"data,omitempty"`
}

// Result is the per-recipient outcome of a send attempt. Never mutated after
// creation.
type Result struct {
	To        string    `json:"to"`
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is a queued unit of work representing one batched send request. The
// backing store is the single source of truth for job state; nothing in the
// process keeps job state outside it.
type Job struct {
	ID          string    `json:"id"`
	SessionKey  string    `json:"session_key"`
	Template    string    `json:"template"`
	Entries     []Entry   `json:"entries"`
	Priority    int       `json:"priority"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Progress    int       `json:"progress"`
	Results     []Result  `json:"results,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	NextRunAt   time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == StateCompleted || j.State == StateFailed
}
