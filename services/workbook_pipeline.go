package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/medrevise/correction-api/model"
	"github.com/medrevise/correction-api/utils/textnorm"
)

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Progress bands for the pipeline phases. Extraction fills 0-10, the two
// dispatch runs share 10-85, merge and finalization take the rest.
const (
	progressParsed       = 5
	progressExtracted    = 10
	progressDispatchSpan = 75
	progressMerged       = 90
	progressErrorSheet   = 95
	progressDone         = 100
)

// ResultStore optionally archives the result workbook in object storage.
// Nil disables archiving; the base64 data URL on the job record is always set.
type ResultStore interface {
	UploadResult(ctx context.Context, jobID string, data []byte) (key string, err error)
}

// PipelineConfig tunes batching and answer matching
type PipelineConfig struct {
	BatchSize     int
	Concurrency   int
	WaveCooldown  time.Duration
	QROCMatchMode string // "exact" or "contains"
}

// WorkbookPipeline drives one validation job end to end: parse, extract,
// dispatch to the LLM in waves, merge, rebuild the error sheet and store the
// result. Its only observable output is the job record.
type WorkbookPipeline struct {
	scheduler *ChunkScheduler
	recorder  JobRecorder
	store     ResultStore
	config    PipelineConfig
}

// NewWorkbookPipeline creates a pipeline. store may be nil.
func NewWorkbookPipeline(scheduler *ChunkScheduler, recorder JobRecorder, store ResultStore, config PipelineConfig) *WorkbookPipeline {
	return &WorkbookPipeline{
		scheduler: scheduler,
		recorder:  recorder,
		store:     store,
		config:    config,
	}
}

// Process runs the whole job. It never returns an error: every failure mode
// ends as status=failed on the job record.
func (p *WorkbookPipeline) Process(ctx context.Context, jobID string, fileBytes []byte, instructions string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] job %s panicked: %v", jobID, r)
			p.fail(ctx, jobID, fmt.Errorf("internal error: %v", r))
		}
	}()

	p.update(ctx, jobID, statusUpdate(model.JobStatusProcessing, progressParsed, "Lecture du classeur"))

	wb, err := ParseWorkbook(fileBytes)
	if err != nil {
		p.fail(ctx, jobID, fmt.Errorf("invalid workbook: %w", err))
		return
	}
	defer wb.Close()

	if len(wb.Sheets) == 0 {
		p.fail(ctx, jobID, fmt.Errorf("no recognized sheets (expected qcm, cas_qcm, qroc or cas_qroc)"))
		return
	}

	wb.StampUnfixed()

	totalRows := wb.RowCount()
	mcqItems, qrocItems := wb.ExtractItems(func(scanned int) {
		p.update(ctx, jobID, JobUpdate{
			Progress: intPtr(progressParsed + (progressExtracted-progressParsed)*scanned/maxInt(totalRows, 1)),
			Message:  fmt.Sprintf("Extraction des questions (%d/%d lignes)", scanned, totalRows),
		})
	})

	totalItems := len(mcqItems) + len(qrocItems)
	if totalItems == 0 {
		p.fail(ctx, jobID, fmt.Errorf("no analyzable questions found in workbook"))
		return
	}

	totalBatches := batchCount(len(mcqItems), p.config.BatchSize) + batchCount(len(qrocItems), p.config.BatchSize)
	p.update(ctx, jobID, JobUpdate{
		Progress:     intPtr(progressExtracted),
		Message:      fmt.Sprintf("Analyse de %d questions (%d QCM, %d QROC)", totalItems, len(mcqItems), len(qrocItems)),
		TotalItems:   intPtr(totalItems),
		TotalBatches: intPtr(totalBatches),
	})

	if p.cancelled(ctx, jobID) {
		return
	}

	results := p.dispatch(ctx, jobID, mcqItems, qrocItems, totalItems, totalBatches, instructions)

	if p.cancelled(ctx, jobID) {
		return
	}

	p.update(ctx, jobID, JobUpdate{Progress: intPtr(progressMerged), Message: "Fusion des résultats"})
	stats := wb.MergeResults(results, QROCMatcher(p.config.QROCMatchMode))

	errorCount, err := wb.RebuildErrorSheet()
	if err != nil {
		p.fail(ctx, jobID, fmt.Errorf("failed to rebuild error sheet: %w", err))
		return
	}
	p.update(ctx, jobID, JobUpdate{Progress: intPtr(progressErrorSheet), Message: "Génération du classeur final"})

	data, err := wb.Serialize()
	if err != nil {
		p.fail(ctx, jobID, fmt.Errorf("failed to serialize workbook: %w", err))
		return
	}

	dataURL := "data:" + xlsxMimeType + ";base64," + base64.StdEncoding.EncodeToString(data)

	var resultKey string
	if p.store != nil {
		key, err := p.store.UploadResult(ctx, jobID, data)
		if err != nil {
			// The data URL is the primary output; archiving is best effort
			log.Printf("[Pipeline] job %s: result upload failed: %v", jobID, err)
		} else {
			resultKey = key
		}
	}

	sheetStats, _ := json.Marshal(map[string]int{
		"total_rows":   totalRows,
		"total_items":  totalItems,
		"mcq_items":    len(mcqItems),
		"qroc_items":   len(qrocItems),
		"error_rows":   errorCount,
		"fixed_rows":   stats.Fixed,
		"failed_items": stats.Failed,
	})

	status := model.JobStatusCompleted
	p.update(ctx, jobID, JobUpdate{
		Status:             &status,
		Progress:           intPtr(progressDone),
		Message:            fmt.Sprintf("Terminé: %d lignes corrigées, %d en erreur", stats.Fixed, errorCount),
		ProcessedItems:     intPtr(totalItems),
		SuccessfulAnalyses: intPtr(stats.Successful),
		FailedAnalyses:     intPtr(stats.Failed),
		FixedCount:         intPtr(stats.Fixed),
		ResultDataURL:      &dataURL,
		ResultKey:          strPtrOrNil(resultKey),
		SheetStats:         sheetStats,
	})
	log.Printf("[Pipeline] job %s completed: %d fixed, %d failed, %d error rows", jobID, stats.Fixed, stats.Failed, errorCount)
}

// dispatch runs the MCQ and QROC schedulers concurrently. They share a
// progress aggregate so the job record sees one monotonic sequence.
func (p *WorkbookPipeline) dispatch(ctx context.Context, jobID string, mcqItems, qrocItems []AnalyzableItem, totalItems, totalBatches int, instructions string) map[string]AnalysisResult {
	var mu sync.Mutex
	completedBatches := 0
	processedItems := 0

	// Each scheduler gets its own sink: u.ProcessedItems is cumulative per
	// run, so the sink tracks its last value and feeds deltas into the
	// shared aggregate.
	progressSink := func() ProgressFunc {
		last := 0
		return func(u ProgressUpdate) {
			mu.Lock()
			completedBatches++
			processedItems += u.ProcessedItems - last
			last = u.ProcessedItems
			done := completedBatches
			items := processedItems
			mu.Unlock()

			progress := progressExtracted + progressDispatchSpan*done/maxInt(totalBatches, 1)
			p.update(ctx, jobID, JobUpdate{
				Progress:       intPtr(progress),
				Message:        fmt.Sprintf("Analyse IA: lot %d/%d (%d/%d questions)", done, totalBatches, items, totalItems),
				ProcessedItems: intPtr(items),
				CurrentBatch:   intPtr(done),
			})
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Poll the cancellation flag so a user cancel stops in-flight waves
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if p.recorder.IsCancelled(runCtx, jobID) {
					cancel()
					return
				}
			}
		}
	}()

	config := SchedulerConfig{
		BatchSize:    p.config.BatchSize,
		Concurrency:  p.config.Concurrency,
		WaveCooldown: p.config.WaveCooldown,
	}

	var wg sync.WaitGroup
	var mcqResults, qrocResults map[string]AnalysisResult

	wg.Add(2)
	go func() {
		defer wg.Done()
		cfg := config
		cfg.SystemPrompt = SystemPromptFor(ItemKindMCQ, instructions)
		mcqResults = p.scheduler.Run(runCtx, mcqItems, cfg, progressSink())
	}()
	go func() {
		defer wg.Done()
		cfg := config
		cfg.SystemPrompt = SystemPromptFor(ItemKindQROC, instructions)
		qrocResults = p.scheduler.Run(runCtx, qrocItems, cfg, progressSink())
	}()
	wg.Wait()

	merged := make(map[string]AnalysisResult, len(mcqResults)+len(qrocResults))
	for id, r := range mcqResults {
		merged[id] = r
	}
	for id, r := range qrocResults {
		merged[id] = r
	}
	return merged
}

func (p *WorkbookPipeline) cancelled(ctx context.Context, jobID string) bool {
	if p.recorder.IsCancelled(ctx, jobID) {
		log.Printf("[Pipeline] job %s cancelled", jobID)
		return true
	}
	return false
}

func (p *WorkbookPipeline) fail(ctx context.Context, jobID string, err error) {
	log.Printf("[Pipeline] job %s failed: %v", jobID, err)
	status := model.JobStatusFailed
	message := err.Error()
	p.update(ctx, jobID, JobUpdate{
		Status:       &status,
		Message:      "Échec de la validation",
		ErrorMessage: &message,
	})
}

func (p *WorkbookPipeline) update(ctx context.Context, jobID string, update JobUpdate) {
	if err := p.recorder.Update(ctx, jobID, update); err != nil {
		log.Printf("[Pipeline] job %s: progress update failed: %v", jobID, err)
	}
}

// QROCMatcher returns the answer-equivalence predicate for the configured
// mode. "exact" requires diacritic/case-insensitive equality; "contains"
// (default) accepts containment in either direction.
func QROCMatcher(mode string) func(provided, corrected string) bool {
	exact := strings.EqualFold(strings.TrimSpace(mode), "exact")
	return func(provided, corrected string) bool {
		a := strings.TrimSpace(textnorm.Fold(provided))
		b := strings.TrimSpace(textnorm.Fold(corrected))
		if a == "" || b == "" {
			return false
		}
		if exact {
			return a == b
		}
		return strings.Contains(a, b) || strings.Contains(b, a)
	}
}

func statusUpdate(status model.ValidationJobStatus, progress int, message string) JobUpdate {
	return JobUpdate{Status: &status, Progress: intPtr(progress), Message: message}
}

func batchCount(items, batchSize int) int {
	if items == 0 {
		return 0
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return (items + batchSize - 1) / batchSize
}

func intPtr(v int) *int { return &v }

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
