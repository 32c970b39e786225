package model

import (
	"time"

	"gorm.io/datatypes"
)

// ValidationJobStatus represents the status of an AI validation job
type ValidationJobStatus string

const (
	JobStatusPending    ValidationJobStatus = "pending"
	JobStatusProcessing ValidationJobStatus = "processing"
	JobStatusCompleted  ValidationJobStatus = "completed"
	JobStatusFailed     ValidationJobStatus = "failed"
	JobStatusCancelled  ValidationJobStatus = "cancelled"
)

// ValidationJob tracks one workbook validation run. The row in Postgres is the
// durable record; a copy of the live state is mirrored in Redis for cheap polling.
type ValidationJob struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	JobID     string `gorm:"uniqueIndex;type:varchar(64)" json:"job_id"`
	CreatedBy string `gorm:"index;type:varchar(255)" json:"created_by"`

	Status   ValidationJobStatus `gorm:"type:varchar(20);default:'pending'" json:"status"`
	Progress int                 `json:"progress"` // 0-100, never regresses
	Message  string              `gorm:"type:text" json:"message"`

	// Batch tracking
	ProcessedItems int `json:"processed_items"`
	TotalItems     int `json:"total_items"`
	CurrentBatch   int `json:"current_batch"`
	TotalBatches   int `json:"total_batches"`

	// Final counts
	SuccessfulAnalyses int `json:"successful_analyses"`
	FailedAnalyses     int `json:"failed_analyses"`
	FixedCount         int `json:"fixed_count"`

	// Input
	InputFilename string `gorm:"type:varchar(512)" json:"input_filename"`
	InputKey      string `gorm:"type:varchar(512)" json:"input_key,omitempty"`
	Instructions  string `gorm:"type:text" json:"instructions,omitempty"`

	// Output: result workbook as a base64 data URL, plus the Spaces key when
	// object storage is configured
	ResultDataURL string         `gorm:"type:text" json:"result_data_url,omitempty"`
	ResultKey     string         `gorm:"type:varchar(512)" json:"result_key,omitempty"`
	SheetStats    datatypes.JSON `json:"sheet_stats,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Redis key patterns for validation jobs
const (
	// RedisKeyJobState stores the full job state as JSON
	// Usage: fmt.Sprintf(RedisKeyJobState, jobID)
	RedisKeyJobState = "job:state:%s"

	// RedisKeyActiveJob tracks the active job ID for a user
	// Usage: fmt.Sprintf(RedisKeyActiveJob, userKey)
	RedisKeyActiveJob = "job:active:%s"

	// RedisKeyJobCancel flags a cancellation request for a running job
	// Usage: fmt.Sprintf(RedisKeyJobCancel, jobID)
	RedisKeyJobCancel = "job:cancel:%s"
)

// IsTerminal reports whether the job reached a final state
func (s ValidationJobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}
