package jobqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	// JobTypeRepollJob re-polls a generation job nobody has polled lately.
	JobTypeRepollJob JobType = "repoll_job"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// RepollGenerationPayload names the generation job to re-poll.
type RepollGenerationPayload struct {
	GenerationJobID string `json:"generation_job_id"`
}

var errMissingGenerationJobID = errors.New("generation_job_id is required")

// ToMap converts the payload to a map for storage
func (p RepollGenerationPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"generation_job_id": p.GenerationJobID,
	}
}

// RepollGenerationPayloadFromMap creates a payload from a map
func RepollGenerationPayloadFromMap(data map[string]interface{}) (*RepollGenerationPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload RepollGenerationPayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, err
	}
	if payload.GenerationJobID == "" {
		return nil, errMissingGenerationJobID
	}
	return &payload, nil
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
