package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/medrevise/correction-api/model"
)

const (
	// staleJobAge marks a processing job as stuck. The pipeline updates the
	// record on every wave, so half an hour of silence means the worker died.
	staleJobAge = 30 * time.Minute

	// jobRetention keeps finished job records (and their embedded results)
	// around long enough for admins to re-download them
	jobRetention = 30 * 24 * time.Hour

	cronLogRetention = 14 * 24 * time.Hour
)

// FailStaleJobs marks processing jobs without recent updates as failed and
// releases their owners' active-job locks
func (m *CronManager) FailStaleJobs() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-staleJobAge)

	var stale []model.ValidationJob
	err := m.db.Where("status IN ? AND updated_at < ?", []model.ValidationJobStatus{
		model.JobStatusPending,
		model.JobStatusProcessing,
	}, cutoff).Find(&stale).Error
	if err != nil {
		return "", fmt.Errorf("failed to query stale jobs: %w", err)
	}

	if len(stale) == 0 {
		return "No stale jobs", nil
	}

	now := time.Now()
	failed := 0
	for i := range stale {
		job := &stale[i]
		job.Status = model.JobStatusFailed
		job.ErrorMessage = "Job abandoned: no progress updates for 30 minutes"
		job.Message = "Échec: le traitement a été interrompu"
		job.CompletedAt = &now

		if err := m.db.Save(job).Error; err != nil {
			continue
		}
		failed++

		m.cache.Delete(ctx, fmt.Sprintf(model.RedisKeyJobState, job.JobID))
		m.cache.Delete(ctx, fmt.Sprintf(model.RedisKeyActiveJob, job.CreatedBy))
	}

	return fmt.Sprintf("Failed %d stale jobs", failed), nil
}

// PurgeOldJobs deletes terminal job records past the retention window. The
// result workbook lives on the record as a data URL, so deleting the row
// reclaims the bulk of the space.
func (m *CronManager) PurgeOldJobs() (string, error) {
	cutoff := time.Now().Add(-jobRetention)

	result := m.db.Where("status IN ? AND updated_at < ?", []model.ValidationJobStatus{
		model.JobStatusCompleted,
		model.JobStatusFailed,
		model.JobStatusCancelled,
	}, cutoff).Delete(&model.ValidationJob{})
	if result.Error != nil {
		return "", fmt.Errorf("failed to purge old jobs: %w", result.Error)
	}

	return fmt.Sprintf("Purged %d job records", result.RowsAffected), nil
}

// TrimCronLogs removes old entries from the cron log table
func (m *CronManager) TrimCronLogs() (string, error) {
	cutoff := time.Now().Add(-cronLogRetention)

	result := m.db.Where("created_at < ?", cutoff).Delete(&model.CronJobLog{})
	if result.Error != nil {
		return "", fmt.Errorf("failed to trim cron logs: %w", result.Error)
	}

	return fmt.Sprintf("Deleted %d log entries", result.RowsAffected), nil
}
