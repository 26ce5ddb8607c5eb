package models

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusSubmitted  JobStatus = "SUBMITTED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition may happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// NonTerminalJobStatuses is the guard set used by conditional transitions.
var NonTerminalJobStatuses = []JobStatus{JobStatusPending, JobStatusSubmitted, JobStatusProcessing}

type BillingMode string

const (
	// BillingModeOnCompletion debits when the job reaches COMPLETED.
	BillingModeOnCompletion BillingMode = "on_completion"
	// BillingModePrepaid debits at submission and refunds if the job fails.
	BillingModePrepaid BillingMode = "prepaid"
)

// GenerationJob is one feature invocation delegated to the inference provider.
type GenerationJob struct {
	ID            string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID        uint        `gorm:"not null;index" json:"user_id"`
	Feature       string      `gorm:"type:varchar(64);not null;index" json:"feature"`
	Status        JobStatus   `gorm:"type:varchar(16);not null;index:idx_generation_jobs_status_polled,priority:1" json:"status"`
	BillingMode   BillingMode `gorm:"type:varchar(16);not null" json:"billing_mode"`
	ExternalJobID *string     `gorm:"type:varchar(191);default:null;index" json:"external_job_id,omitempty"`
	CostCredits   int64       `gorm:"not null" json:"cost_credits"`
	Charged       bool        `gorm:"not null;default:false" json:"charged"`
	InputJSON     string      `gorm:"type:longtext" json:"-"`
	ResultRef     string      `gorm:"type:text" json:"result_ref,omitempty"`
	ErrorMessage  string      `gorm:"type:text" json:"error_message,omitempty"`
	PollErrors    int         `gorm:"not null;default:0" json:"-"`
	LastPolledAt  *time.Time  `gorm:"type:timestamp;default:null;index:idx_generation_jobs_status_polled,priority:2" json:"last_polled_at,omitempty"`
	CompletedAt   *time.Time  `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
