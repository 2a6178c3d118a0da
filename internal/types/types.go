package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a patch would move a job backwards
// or break the result/error invariant.
var ErrInvalidTransition = errors.New("invalid job transition")

// Job is one admitted unit of work as recorded in the ledger.
type Job struct {
	ID          string          `json:"job_id"`
	Operation   string          `json:"operation"`
	Family      string          `json:"family"`
	Endpoint    string          `json:"endpoint"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RetryCount  int             `json:"retry_count"`
	InputRef    json.RawMessage `json:"input_ref,omitempty"`
	ResultRef   json.RawMessage `json:"result_ref"`
	Error       *string         `json:"error"`
	LastError   *string         `json:"last_error,omitempty"`
	WebhookURL  string          `json:"webhook_url,omitempty"`
	CallerID    string          `json:"caller_id,omitempty"`
}

// UnmarshalJSON keeps a JSON null result as a nil ResultRef
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	if err := json.Unmarshal(data, (*plain)(j)); err != nil {
		return err
	}
	if string(j.ResultRef) == "null" {
		j.ResultRef = nil
	}
	if string(j.InputRef) == "null" {
		j.InputRef = nil
	}
	return nil
}

// Async reports whether the job was admitted with a webhook and therefore
// ran (or runs) off the request path.
func (j *Job) Async() bool {
	return j.WebhookURL != ""
}

// Clone returns a deep copy so callers can hand out snapshots
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	c.InputRef = append(json.RawMessage(nil), j.InputRef...)
	if j.ResultRef != nil {
		c.ResultRef = append(json.RawMessage(nil), j.ResultRef...)
	}
	return &c
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status      *Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  *int
	ResultRef   json.RawMessage
	Error       *string
	LastError   *string
}

// Running returns the patch for an attempt starting at t
func Running(t time.Time) Patch {
	s := StatusRunning
	return Patch{Status: &s, StartedAt: &t}
}

// Completed returns the patch for a successful terminal transition
func Completed(t time.Time, result json.RawMessage) Patch {
	s := StatusCompleted
	return Patch{Status: &s, CompletedAt: &t, ResultRef: result}
}

// Failed returns the patch for a failed terminal transition
func Failed(t time.Time, msg string) Patch {
	s := StatusFailed
	return Patch{Status: &s, CompletedAt: &t, Error: &msg}
}

// Retrying returns the patch moving a failed attempt back to pending
func Retrying(retryCount int, msg string) Patch {
	s := StatusPending
	return Patch{Status: &s, RetryCount: &retryCount, LastError: &msg}
}

// Apply validates p against the current state and mutates j.
// j is left untouched when an error is returned.
func (j *Job) Apply(p Patch, now time.Time) error {
	next := j.Clone()

	if p.RetryCount != nil {
		if *p.RetryCount < j.RetryCount {
			return fmt.Errorf("%w: retry count %d -> %d", ErrInvalidTransition, j.RetryCount, *p.RetryCount)
		}
		next.RetryCount = *p.RetryCount
	}
	if p.Status != nil {
		if !canTransition(j.Status, *p.Status, next.RetryCount > j.RetryCount) {
			return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, *p.Status, j.ID)
		}
		next.Status = *p.Status
	} else if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		next.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		next.CompletedAt = &t
	}
	if p.ResultRef != nil {
		next.ResultRef = append(json.RawMessage(nil), p.ResultRef...)
	}
	if p.Error != nil {
		e := *p.Error
		next.Error = &e
	}
	if p.LastError != nil {
		e := *p.LastError
		next.LastError = &e
	}

	if err := next.checkOutcome(); err != nil {
		return err
	}

	next.UpdatedAt = now
	*j = *next
	return nil
}

// checkOutcome enforces: exactly one of result/error once terminal, neither before.
func (j *Job) checkOutcome() error {
	hasResult := len(j.ResultRef) > 0
	hasError := j.Error != nil
	switch j.Status {
	case StatusCompleted:
		if !hasResult || hasError {
			return fmt.Errorf("%w: completed job %s needs a result and no error", ErrInvalidTransition, j.ID)
		}
	case StatusFailed:
		if hasResult || !hasError {
			return fmt.Errorf("%w: failed job %s needs an error and no result", ErrInvalidTransition, j.ID)
		}
	default:
		if hasResult || hasError {
			return fmt.Errorf("%w: %s job %s cannot carry an outcome", ErrInvalidTransition, j.Status, j.ID)
		}
	}
	return nil
}

func canTransition(from, to Status, retried bool) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		if to == StatusPending {
			return retried
		}
		return to.Terminal()
	}
	return false
}

// JobSummary is the status-only projection returned by windowed listings
type JobSummary struct {
	ID        string    `json:"job_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Envelope is the uniform response body for sync responses, async
// acknowledgements and webhook deliveries.
type Envelope struct {
	Endpoint       string  `json:"endpoint"`
	Code           int     `json:"code"`
	ID             *string `json:"id"`
	JobID          string  `json:"job_id"`
	Status         string  `json:"status,omitempty"`
	Response       any     `json:"response"`
	Message        string  `json:"message"`
	RunTime        float64 `json:"run_time"`
	QueueTime      float64 `json:"queue_time"`
	TotalTime      float64 `json:"total_time"`
	QueueLength    int     `json:"queue_length"`
	MaxQueueLength int     `json:"max_queue_length,omitempty"`
}

// CallerRef converts an optional caller id into the nullable envelope field
func CallerRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
