// Package inference talks to the external inference provider that runs
// generation jobs, and hides the provider's response shapes behind a
// normalized status and result reference.
package inference

import "context"

// Status is the normalized provider job state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// SubmitRequest is one generation request.
type SubmitRequest struct {
	Feature string
	Model   string
	Input   map[string]interface{}
}

// StatusResult is the normalized answer to a status query. ResultRef is only
// set for SUCCEEDED and Error only for FAILED.
type StatusResult struct {
	Status    Status
	RawStatus string
	ResultRef string
	Error     string
}

// Gateway is the provider as seen by the job orchestrator.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, externalJobID string) (*StatusResult, error)
}

// ResultStore persists inline result payloads and returns a URL for them.
type ResultStore interface {
	Put(ctx context.Context, prefix, contentType string, data []byte) (string, error)
}
