package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medrevise/correction-api/model"
	"github.com/medrevise/correction-api/utils/cache"
)

var (
	// ErrActiveJobExists rejects a second submission while a user's job is running
	ErrActiveJobExists = errors.New("user already has an active validation job")
	// ErrJobNotFound is returned when no job record exists for an id
	ErrJobNotFound = errors.New("job not found")
)

func activeJobError(jobID string) error {
	return fmt.Errorf("%w: %s", ErrActiveJobExists, jobID)
}

func jobNotFoundError(jobID string) error {
	return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// TTL configurations for job state mirrored in Redis
const (
	JobStateTTLSuccess = 1 * time.Hour
	JobStateTTLFailure = 24 * time.Hour
	JobStateTTLPending = 24 * time.Hour
	JobCancelFlagTTL   = 30 * time.Minute
)

// JobUpdate carries a partial job-record mutation. Nil fields are left
// untouched; Progress never regresses regardless of the value pushed.
type JobUpdate struct {
	Status             *model.ValidationJobStatus
	Progress           *int
	Message            string
	ProcessedItems     *int
	TotalItems         *int
	CurrentBatch       *int
	TotalBatches       *int
	SuccessfulAnalyses *int
	FailedAnalyses     *int
	FixedCount         *int
	InputKey           *string
	ResultDataURL      *string
	ResultKey          *string
	SheetStats         []byte
	ErrorMessage       *string
}

// JobRecorder is the job-record collaborator the pipeline writes progress to.
// *ProgressTracker is the production implementation; pipeline tests use an
// in-memory one.
type JobRecorder interface {
	Update(ctx context.Context, jobID string, update JobUpdate) error
	IsCancelled(ctx context.Context, jobID string) bool
}

// ProgressTracker manages validation job state. Postgres holds the durable
// record; Redis mirrors the live state for cheap polling and SSE streams.
type ProgressTracker struct {
	db    *gorm.DB
	cache *cache.RedisCache
}

// NewProgressTracker creates a new progress tracker instance
func NewProgressTracker(db *gorm.DB, redisCache *cache.RedisCache) *ProgressTracker {
	return &ProgressTracker{db: db, cache: redisCache}
}

// CreateJob registers a new validation job for a user. A user can only run
// one job at a time; a second submission is rejected with the existing job id.
func (pt *ProgressTracker) CreateJob(ctx context.Context, createdBy, filename, instructions string) (*model.ValidationJob, error) {
	activeJobKey := fmt.Sprintf(model.RedisKeyActiveJob, createdBy)
	if existingJobID, err := pt.cache.Get(ctx, activeJobKey); err == nil && existingJobID != "" {
		return nil, activeJobError(existingJobID)
	}

	job := &model.ValidationJob{
		JobID:         uuid.New().String(),
		CreatedBy:     createdBy,
		Status:        model.JobStatusPending,
		Progress:      0,
		Message:       "Validation queued",
		InputFilename: filename,
		Instructions:  instructions,
	}

	if err := pt.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	jobKey := fmt.Sprintf(model.RedisKeyJobState, job.JobID)
	if err := pt.cache.SetJSON(ctx, jobKey, job, JobStateTTLPending); err != nil {
		log.Printf("[Tracker] failed to mirror job %s to redis: %v", job.JobID, err)
	}
	if err := pt.cache.Set(ctx, activeJobKey, job.JobID, JobStateTTLPending); err != nil {
		log.Printf("[Tracker] failed to set active job for %s: %v", createdBy, err)
	}

	return job, nil
}

// GetJob retrieves job state, preferring the Redis mirror and falling back
// to Postgres for expired entries
func (pt *ProgressTracker) GetJob(ctx context.Context, jobID string) (*model.ValidationJob, error) {
	jobKey := fmt.Sprintf(model.RedisKeyJobState, jobID)

	var job model.ValidationJob
	err := pt.cache.GetJSON(ctx, jobKey, &job)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		log.Printf("[Tracker] redis read failed for job %s: %v", jobID, err)
	}

	if err := pt.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobNotFoundError(jobID)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// Update applies a partial mutation to the job record. Progress is clamped
// to be monotonically non-decreasing.
func (pt *ProgressTracker) Update(ctx context.Context, jobID string, update JobUpdate) error {
	job, err := pt.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if update.Status != nil {
		job.Status = *update.Status
		if *update.Status == model.JobStatusProcessing && job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		if update.Status.IsTerminal() && job.CompletedAt == nil {
			now := time.Now()
			job.CompletedAt = &now
		}
	}
	if update.Progress != nil && *update.Progress > job.Progress {
		job.Progress = *update.Progress
	}
	if update.Message != "" {
		job.Message = update.Message
	}
	if update.ProcessedItems != nil {
		job.ProcessedItems = *update.ProcessedItems
	}
	if update.TotalItems != nil {
		job.TotalItems = *update.TotalItems
	}
	if update.CurrentBatch != nil {
		job.CurrentBatch = *update.CurrentBatch
	}
	if update.TotalBatches != nil {
		job.TotalBatches = *update.TotalBatches
	}
	if update.SuccessfulAnalyses != nil {
		job.SuccessfulAnalyses = *update.SuccessfulAnalyses
	}
	if update.FailedAnalyses != nil {
		job.FailedAnalyses = *update.FailedAnalyses
	}
	if update.FixedCount != nil {
		job.FixedCount = *update.FixedCount
	}
	if update.InputKey != nil {
		job.InputKey = *update.InputKey
	}
	if update.ResultDataURL != nil {
		job.ResultDataURL = *update.ResultDataURL
	}
	if update.ResultKey != nil {
		job.ResultKey = *update.ResultKey
	}
	if update.SheetStats != nil {
		job.SheetStats = update.SheetStats
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}

	if err := pt.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("failed to persist job update: %w", err)
	}

	ttl := JobStateTTLPending
	switch job.Status {
	case model.JobStatusCompleted:
		ttl = JobStateTTLSuccess
	case model.JobStatusFailed, model.JobStatusCancelled:
		ttl = JobStateTTLFailure
	}
	jobKey := fmt.Sprintf(model.RedisKeyJobState, jobID)
	if err := pt.cache.SetJSON(ctx, jobKey, job, ttl); err != nil {
		log.Printf("[Tracker] failed to mirror job %s to redis: %v", jobID, err)
	}

	if job.Status.IsTerminal() {
		activeJobKey := fmt.Sprintf(model.RedisKeyActiveJob, job.CreatedBy)
		pt.cache.Delete(ctx, activeJobKey)
	}

	return nil
}

// CancelJob flags a pending/processing job as cancelled. The running pipeline
// polls IsCancelled between waves and stops at the next boundary.
func (pt *ProgressTracker) CancelJob(ctx context.Context, jobID string) error {
	job, err := pt.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	cancelKey := fmt.Sprintf(model.RedisKeyJobCancel, jobID)
	if err := pt.cache.Set(ctx, cancelKey, "1", JobCancelFlagTTL); err != nil {
		return fmt.Errorf("failed to set cancellation flag: %w", err)
	}

	status := model.JobStatusCancelled
	return pt.Update(ctx, jobID, JobUpdate{
		Status:  &status,
		Message: "Job cancelled by user",
	})
}

// IsCancelled checks the cancellation flag for a job
func (pt *ProgressTracker) IsCancelled(ctx context.Context, jobID string) bool {
	cancelKey := fmt.Sprintf(model.RedisKeyJobCancel, jobID)
	val, err := pt.cache.Get(ctx, cancelKey)
	return err == nil && val == "1"
}

// ActiveJobID returns the running job id for a user, "" when none
func (pt *ProgressTracker) ActiveJobID(ctx context.Context, createdBy string) (string, error) {
	activeJobKey := fmt.Sprintf(model.RedisKeyActiveJob, createdBy)
	jobID, err := pt.cache.Get(ctx, activeJobKey)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return jobID, nil
}
