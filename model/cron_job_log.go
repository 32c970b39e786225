package model

import "time"

// CronJobStatus represents the outcome of a cron job run
type CronJobStatus string

const (
	CronJobStatusRunning   CronJobStatus = "running"
	CronJobStatusCompleted CronJobStatus = "completed"
	CronJobStatusFailed    CronJobStatus = "failed"
)

// CronJobLog records a single execution of a scheduled maintenance job
type CronJobLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	JobName    string        `gorm:"index;type:varchar(100);not null" json:"job_name"`
	Status     CronJobStatus `gorm:"type:varchar(20);not null" json:"status"`
	Message    string        `gorm:"type:text" json:"message,omitempty"`
	Error      string        `gorm:"type:text" json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}
