// Package processing holds the functions jobs run: media conversion,
// probing, transcription, screenshots and text chunking. Each one works
// only inside the workspace scope handed to it.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

// Function is one processing step. It must only write under jc.Scope.
type Function interface {
	Execute(jc *JobContext) (*Result, error)
}

// FunctionFunc adapts a plain function to Function
type FunctionFunc func(jc *JobContext) (*Result, error)

// Execute implements Function
func (f FunctionFunc) Execute(jc *JobContext) (*Result, error) {
	return f(jc)
}

// JobContext is everything a function may touch for one attempt
type JobContext struct {
	ctx      context.Context
	JobID    string
	Attempt  int
	Endpoint string
	Params   json.RawMessage
	Scope    *workspace.Scope
	Log      *logrus.Entry
}

// NewJobContext builds the context for one attempt
func NewJobContext(ctx context.Context, jobID string, attempt int, endpoint string, params json.RawMessage, scope *workspace.Scope, log *logrus.Entry) *JobContext {
	return &JobContext{
		ctx:      ctx,
		JobID:    jobID,
		Attempt:  attempt,
		Endpoint: endpoint,
		Params:   params,
		Scope:    scope,
		Log:      log,
	}
}

// Context is cancelled when the family timeout expires
func (jc *JobContext) Context() context.Context {
	return jc.ctx
}

// Bind decodes the job parameters into v
func (jc *JobContext) Bind(v any) error {
	if len(jc.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(jc.Params, v); err != nil {
		return BadInput("invalid parameters: %v", err)
	}
	return nil
}

// Result is a function's output. When File is set the dispatcher uploads it
// and the URL becomes the response, or is stored under URLKey when Value is
// a map.
type Result struct {
	Value  any
	File   string
	URLKey string
}

// Error carries the response code for a failed job and whether retrying
// could help.
type Error struct {
	Code      int
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: http.StatusInternalServerError, Permanent: true, Err: err}
}

// BadInput is a permanent 400 failure caused by the job parameters
func BadInput(format string, args ...any) error {
	return &Error{Code: http.StatusBadRequest, Permanent: true, Err: fmt.Errorf(format, args...)}
}

// Retryable reports whether another attempt might succeed
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return !pe.Permanent
	}
	return true
}

// StatusCode is the response code reported for err
func StatusCode(err error) int {
	var pe *Error
	if errors.As(err, &pe) && pe.Code != 0 {
		return pe.Code
	}
	return http.StatusInternalServerError
}

// Operation binds a name to a function, the family whose pool runs it and
// the parameter type routes validate against.
type Operation struct {
	Name   string
	Family string
	Fn     Function
	// Params returns a fresh pointer to the parameter struct
	Params func() any
	// Bypass runs the operation inline without a pool slot
	Bypass bool
}

// Registry maps operation names to operations
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// Register adds op, replacing any operation with the same name. An empty
// Family defaults to the operation name.
func (r *Registry) Register(op Operation) {
	if op.Family == "" {
		op.Family = op.Name
	}
	if op.Params == nil {
		op.Params = func() any { return &Common{} }
	}
	r.mu.Lock()
	r.ops[op.Name] = op
	r.mu.Unlock()
}

// Lookup returns the operation registered under name
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Families lists the distinct families of pooled operations, sorted
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, op := range r.ops {
		if op.Bypass || seen[op.Family] {
			continue
		}
		seen[op.Family] = true
		out = append(out, op.Family)
	}
	sort.Strings(out)
	return out
}

// Common holds the fields every job request may carry
type Common struct {
	WebhookURL string `json:"webhook_url,omitempty" validate:"omitempty,url"`
	ID         string `json:"id,omitempty"`
}

// Meta returns the common fields
func (c *Common) Meta() *Common {
	return c
}
