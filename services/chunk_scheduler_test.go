package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/medrevise/correction-api/services/azure"
)

// okCompleter answers every batch with a valid result per question
func okCompleter() *stubCompleter {
	stub := &stubCompleter{}
	stub.fn = func(messages []azure.ChatMessage) (*azure.Completion, error) {
		var payload struct {
			Questions []AnalyzableItem `json:"questions"`
		}
		json.Unmarshal([]byte(messages[len(messages)-1].Content), &payload)

		var results []string
		for _, q := range payload.Questions {
			results = append(results, `{"id":"`+q.ID+`","status":"ok","correctAnswers":[0]}`)
		}
		return &azure.Completion{Content: `{"results":[` + strings.Join(results, ",") + `]}`}, nil
	}
	return stub
}

func schedulerConfig(batchSize, concurrency int) SchedulerConfig {
	return SchedulerConfig{
		BatchSize:    batchSize,
		Concurrency:  concurrency,
		WaveCooldown: 0,
		SystemPrompt: SystemPromptFor(ItemKindMCQ, ""),
	}
}

func TestRunPartitionsSevenItemsIntoThreeBatches(t *testing.T) {
	items := mcqItems(7)

	var mu sync.Mutex
	var batchSizes []int
	stub := okCompleter()
	inner := stub.fn
	stub.fn = func(messages []azure.ChatMessage) (*azure.Completion, error) {
		mu.Lock()
		batchSizes = append(batchSizes, batchQuestionCount(t, messages))
		mu.Unlock()
		return inner(messages)
	}

	scheduler := NewChunkScheduler(NewBatchAnalyzer(stub))
	results := scheduler.Run(context.Background(), items, schedulerConfig(3, 1), nil)

	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
	for _, item := range items {
		r, ok := results[item.ID]
		if !ok {
			t.Errorf("missing result for %s", item.ID)
			continue
		}
		if r.Status != AnalysisOK {
			t.Errorf("item %s not ok: %+v", item.ID, r)
		}
	}

	if len(batchSizes) != 3 || batchSizes[0] != 3 || batchSizes[1] != 3 || batchSizes[2] != 1 {
		t.Errorf("expected batches of 3,3,1, got %v", batchSizes)
	}
}

func TestRunNeverLosesItemsOnTotalFailure(t *testing.T) {
	items := mcqItems(7)

	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		return nil, &azure.RequestError{Reason: azure.ReasonNetwork, StatusCode: 502, Message: "bad gateway"}
	}}

	scheduler := NewChunkScheduler(NewBatchAnalyzer(stub))
	results := scheduler.Run(context.Background(), items, schedulerConfig(3, 2), nil)

	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
	for _, item := range items {
		r, ok := results[item.ID]
		if !ok {
			t.Fatalf("item %s lost", item.ID)
		}
		if r.Status != AnalysisError || r.Error == "" {
			t.Errorf("item %s should carry the failure message: %+v", item.ID, r)
		}
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	items := mcqItems(20)

	var mu sync.Mutex
	var updates []ProgressUpdate
	onProgress := func(u ProgressUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}

	scheduler := NewChunkScheduler(NewBatchAnalyzer(okCompleter()))
	scheduler.Run(context.Background(), items, schedulerConfig(2, 5), onProgress)

	if len(updates) != 10 {
		t.Fatalf("expected 10 progress updates, got %d", len(updates))
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].CompletedBatches < updates[i-1].CompletedBatches {
			t.Errorf("completed batches regressed at update %d: %d -> %d",
				i, updates[i-1].CompletedBatches, updates[i].CompletedBatches)
		}
		if updates[i].ProcessedItems < updates[i-1].ProcessedItems {
			t.Errorf("processed items regressed at update %d: %d -> %d",
				i, updates[i-1].ProcessedItems, updates[i].ProcessedItems)
		}
	}
	last := updates[len(updates)-1]
	if last.CompletedBatches != 10 || last.ProcessedItems != 20 {
		t.Errorf("final update incomplete: %+v", last)
	}
}

func TestRunShrinksBatchOnPayloadTooLarge(t *testing.T) {
	items := mcqItems(4)

	ok := okCompleter()
	stub := &stubCompleter{}
	stub.fn = func(messages []azure.ChatMessage) (*azure.Completion, error) {
		if batchQuestionCount(t, messages) > 1 {
			return nil, &azure.RequestError{Reason: azure.ReasonPayloadTooLarge, StatusCode: 413, Message: "context length exceeded"}
		}
		return ok.fn(messages)
	}

	scheduler := NewChunkScheduler(NewBatchAnalyzer(stub))
	results := scheduler.Run(context.Background(), items, schedulerConfig(4, 1), nil)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, item := range items {
		if r := results[item.ID]; r.Status != AnalysisOK {
			t.Errorf("item %s should succeed after shrink: %+v", item.ID, r)
		}
	}
}

func TestRunEmptyInput(t *testing.T) {
	scheduler := NewChunkScheduler(NewBatchAnalyzer(okCompleter()))
	results := scheduler.Run(context.Background(), nil, schedulerConfig(3, 2), nil)
	if len(results) != 0 {
		t.Errorf("expected empty map, got %d entries", len(results))
	}
}
