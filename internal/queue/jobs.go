package queue

import (
	"encoding/json"
	"time"

	"github.com/codebuildervaibhav/media-toolkit/internal/processing"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

// Request is a validated job submission
type Request struct {
	// Operation names the registered function to run
	Operation string
	// Family overrides the operation's pool when set
	Family   string
	Endpoint string
	// Params is the validated request body, stored as the job's input
	Params     json.RawMessage
	WebhookURL string
	CallerID   string
	// BypassQueue runs the job inline without taking a pool slot
	BypassQueue bool
}

// item is one queued attempt
type item struct {
	op  processing.Operation
	job *types.Job
}

// newJob builds the pending ledger entry for req
func newJob(req Request, op processing.Operation, family string, async bool, now time.Time) *types.Job {
	job := &types.Job{
		ID:        newID(),
		Operation: op.Name,
		Family:    family,
		Endpoint:  req.Endpoint,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		InputRef:  req.Params,
		CallerID:  req.CallerID,
	}
	if job.Endpoint == "" {
		job.Endpoint = "/" + op.Name
	}
	if async {
		job.WebhookURL = req.WebhookURL
	}
	return job
}

// seconds rounds d to milliseconds, as reported in envelopes
func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d.Milliseconds()) / 1000
}
