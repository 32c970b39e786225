package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/medrevise/correction-api/model"
	"github.com/medrevise/correction-api/utils/cache"
)

// CronManager manages all scheduled maintenance jobs
type CronManager struct {
	cron  *cron.Cron
	db    *gorm.DB
	cache *cache.RedisCache
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB, redisCache *cache.RedisCache) *CronManager {
	// Seconds precision, matching the schedule specs below
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron:  c,
		db:    db,
		cache: redisCache,
	}
}

// Start registers and starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()
	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs and waits for running ones to finish
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// 1. Every 10 minutes: fail validation jobs stuck in processing
	_, err := m.cron.AddFunc("0 */10 * * * *", func() {
		m.runJob("fail_stale_jobs", m.FailStaleJobs)
	})
	if err != nil {
		return err
	}

	// 2. Daily at 3 AM: purge old job records and their stored results
	_, err = m.cron.AddFunc("0 0 3 * * *", func() {
		m.runJob("purge_old_jobs", m.PurgeOldJobs)
	})
	if err != nil {
		return err
	}

	// 3. Daily at 3:30 AM: trim the cron log table itself
	_, err = m.cron.AddFunc("0 30 3 * * *", func() {
		m.runJob("trim_cron_logs", m.TrimCronLogs)
	})
	if err != nil {
		return err
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// runJob wraps a job with start/complete/failure logging
func (m *CronManager) runJob(jobName string, fn func() (string, error)) {
	log.Printf("[CRON] Starting job: %s at %s", jobName, time.Now().Format(time.RFC3339))
	start := time.Now()

	message, err := fn()
	entry := model.CronJobLog{
		JobName:    jobName,
		Status:     model.CronJobStatusCompleted,
		Message:    message,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Status = model.CronJobStatusFailed
		entry.Error = err.Error()
		log.Printf("[CRON] Job %s failed: %v", jobName, err)
	} else {
		log.Printf("[CRON] Job %s completed: %s", jobName, message)
	}

	if dbErr := m.db.Create(&entry).Error; dbErr != nil {
		log.Printf("[CRON] Failed to log job %s: %v", jobName, dbErr)
	}
}
