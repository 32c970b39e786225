package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/medrevise/correction-api/services/azure"
)

const (
	defaultBatchSize    = 20
	defaultConcurrency  = 4
	defaultWaveCooldown = 2 * time.Second
	maxShrinkAttempts   = 6
)

// SchedulerConfig controls batch partitioning and wave concurrency
type SchedulerConfig struct {
	BatchSize    int           // items per LLM request (default: 20)
	Concurrency  int           // batches in flight per wave (default: 4)
	WaveCooldown time.Duration // pause between waves to respect TPM/RPM budgets (default: 2s)
	SystemPrompt string
}

// ProgressUpdate is pushed to the caller after every completed batch
type ProgressUpdate struct {
	CompletedBatches int
	TotalBatches     int
	ProcessedItems   int
	TotalItems       int
}

// ProgressFunc receives monotonic progress updates during a run
type ProgressFunc func(ProgressUpdate)

// ChunkScheduler partitions an item list into batches and runs them in
// concurrency-limited waves through the BatchAnalyzer. It never loses an
// item: batch failures shrink and retry down to single items, and whatever
// still fails becomes explicit per-item error results.
type ChunkScheduler struct {
	analyzer *BatchAnalyzer
}

// NewChunkScheduler creates a scheduler on top of a batch analyzer
func NewChunkScheduler(analyzer *BatchAnalyzer) *ChunkScheduler {
	return &ChunkScheduler{analyzer: analyzer}
}

// Run processes every item and returns a map with exactly one result per
// input item id. onProgress may be nil.
func (s *ChunkScheduler) Run(ctx context.Context, items []AnalyzableItem, config SchedulerConfig, onProgress ProgressFunc) map[string]AnalysisResult {
	out := make(map[string]AnalysisResult, len(items))
	if len(items) == 0 {
		return out
	}

	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.WaveCooldown < 0 {
		config.WaveCooldown = defaultWaveCooldown
	}

	batches := partition(items, config.BatchSize)
	totalBatches := len(batches)
	totalItems := len(items)
	log.Printf("[Scheduler] processing %d items in %d batches (size %d, concurrency %d)",
		len(items), totalBatches, config.BatchSize, config.Concurrency)

	// Shared across all in-flight batches. Progress is derived from these
	// counters at completion time, never from a batch's submission index, so
	// it stays monotonic even when batches finish out of order. The mutex
	// covers increment and callback together; otherwise two completions could
	// deliver their updates inverted.
	var progressMu sync.Mutex
	completedBatches := 0
	processedItems := 0

	batchResults := make([][]AnalysisResult, totalBatches)

	for waveStart := 0; waveStart < totalBatches; waveStart += config.Concurrency {
		waveEnd := waveStart + config.Concurrency
		if waveEnd > totalBatches {
			waveEnd = totalBatches
		}

		var wg sync.WaitGroup
		for i := waveStart; i < waveEnd; i++ {
			wg.Add(1)
			go func(batchIndex int) {
				defer wg.Done()

				batch := batches[batchIndex]
				results := s.runBatch(ctx, batch, config.SystemPrompt)
				batchResults[batchIndex] = results

				progressMu.Lock()
				completedBatches++
				processedItems += len(batch)
				if onProgress != nil {
					onProgress(ProgressUpdate{
						CompletedBatches: completedBatches,
						TotalBatches:     totalBatches,
						ProcessedItems:   processedItems,
						TotalItems:       totalItems,
					})
				}
				progressMu.Unlock()
			}(i)
		}
		wg.Wait()

		if waveEnd < totalBatches && config.WaveCooldown > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(config.WaveCooldown):
			}
		}
	}

	for _, results := range batchResults {
		for _, r := range results {
			out[r.ID] = r
		}
	}
	return out
}

// runBatch analyzes one batch, shrinking and retrying on failures that
// suggest the payload was too large or the model returned nothing. Whatever
// cannot be analyzed at size 1 becomes per-item errors.
func (s *ChunkScheduler) runBatch(ctx context.Context, batch []AnalyzableItem, systemPrompt string) []AnalysisResult {
	size := len(batch)
	var lastErr error

	for attempt := 0; attempt < maxShrinkAttempts; attempt++ {
		results, err := s.analyzeInSlices(ctx, batch, size, systemPrompt)
		if err == nil {
			return results
		}
		lastErr = err

		reason := azure.ReasonOf(err)
		if size > 1 && (reason == azure.ReasonPayloadTooLarge || reason == azure.ReasonEmptyContent) {
			size = size / 2
			if size < 1 {
				size = 1
			}
			log.Printf("[Scheduler] batch of %d failed (%s), shrinking to size %d", len(batch), reason, size)
			continue
		}
		break
	}

	// Infrastructure failure after shrink retries: every item gets an
	// explicit error result, nothing escapes upward.
	message := "batch analysis failed"
	if lastErr != nil {
		message = fmt.Sprintf("batch analysis failed: %v", lastErr)
	}
	results := make([]AnalysisResult, 0, len(batch))
	for _, item := range batch {
		results = append(results, ErrorResult(item.ID, message))
	}
	return results
}

// analyzeInSlices splits the batch into sub-slices of at most size items and
// analyzes each; the first sub-slice failure aborts the attempt so the shrink
// loop can decide what to do.
func (s *ChunkScheduler) analyzeInSlices(ctx context.Context, batch []AnalyzableItem, size int, systemPrompt string) ([]AnalysisResult, error) {
	results := make([]AnalysisResult, 0, len(batch))
	for _, slice := range partition(batch, size) {
		sliceResults, err := s.analyzer.Analyze(ctx, slice, systemPrompt)
		if err != nil {
			return nil, err
		}
		results = append(results, sliceResults...)
	}
	return results, nil
}

// partition splits items into ordered slices of at most size elements
func partition(items []AnalyzableItem, size int) [][]AnalyzableItem {
	if size <= 0 {
		size = 1
	}
	batches := make([][]AnalyzableItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
