package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/medrevise/correction-api/services/azure"
)

// stubCompleter fakes the transport layer for analyzer and scheduler tests
type stubCompleter struct {
	mu    sync.Mutex
	fn    func(messages []azure.ChatMessage) (*azure.Completion, error)
	calls int
}

func (s *stubCompleter) Complete(ctx context.Context, messages []azure.ChatMessage, options ...azure.Option) (*azure.Completion, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	return fn(messages)
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func batchQuestionCount(t *testing.T, messages []azure.ChatMessage) int {
	t.Helper()
	var payload struct {
		Questions []AnalyzableItem `json:"questions"`
	}
	if err := json.Unmarshal([]byte(messages[len(messages)-1].Content), &payload); err != nil {
		t.Fatalf("user payload is not valid JSON: %v", err)
	}
	return len(payload.Questions)
}

func mcqItems(n int) []AnalyzableItem {
	items := make([]AnalyzableItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, NewAnalyzableItem(
			itemID("qcm", i), ItemKindMCQ,
			"Quelle est la bonne réponse ?",
			[]string{"Option A", "Option B", "Option C"},
			"A", ""))
	}
	return items
}

func TestAnalyzeMapsResultsByID(t *testing.T) {
	items := mcqItems(3)

	// Results come back out of order and one item is missing entirely
	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		body := `{"results":[
			{"id":"` + items[2].ID + `","status":"ok","correctAnswers":[2]},
			{"id":"` + items[0].ID + `","status":"ok","correctAnswers":[0],"globalExplanation":"ras"}
		]}`
		return &azure.Completion{Content: body, FinishReason: "stop"}, nil
	}}

	analyzer := NewBatchAnalyzer(stub)
	results, err := analyzer.Analyze(context.Background(), items, SystemPromptFor(ItemKindMCQ, ""))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if results[0].ID != items[0].ID || results[0].Status != AnalysisOK || results[0].CorrectAnswers[0] != 0 {
		t.Errorf("first result wrong: %+v", results[0])
	}
	if results[1].ID != items[1].ID || results[1].Status != AnalysisError || results[1].Error != "Missing from AI response" {
		t.Errorf("missing item not marked: %+v", results[1])
	}
	if results[2].ID != items[2].ID || results[2].Status != AnalysisOK || results[2].CorrectAnswers[0] != 2 {
		t.Errorf("third result wrong: %+v", results[2])
	}
}

func TestAnalyzeSalvageWhenBatchUnparseable(t *testing.T) {
	items := mcqItems(4)

	// Batch calls return garbage, single-item calls return valid JSON
	stub := &stubCompleter{}
	stub.fn = func(messages []azure.ChatMessage) (*azure.Completion, error) {
		if batchQuestionCount(t, messages) > 1 {
			return &azure.Completion{Content: "I cannot respond in the requested structure."}, nil
		}
		var payload struct {
			Questions []AnalyzableItem `json:"questions"`
		}
		json.Unmarshal([]byte(messages[len(messages)-1].Content), &payload)
		body := `{"results":[{"id":"` + payload.Questions[0].ID + `","status":"ok","correctAnswers":[1]}]}`
		return &azure.Completion{Content: body}, nil
	}

	analyzer := NewBatchAnalyzer(stub)
	results, err := analyzer.Analyze(context.Background(), items, SystemPromptFor(ItemKindMCQ, ""))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Status != AnalysisOK {
			t.Errorf("item %d not salvaged: %+v", i, r)
		}
		if r.ID != items[i].ID {
			t.Errorf("item %d id mismatch: %q vs %q", i, r.ID, items[i].ID)
		}
	}
	// 1 batch call + 4 salvage calls
	if stub.callCount() != 5 {
		t.Errorf("expected 5 transport calls, got %d", stub.callCount())
	}
}

func TestAnalyzeSalvageFailureRecordsError(t *testing.T) {
	items := mcqItems(2)

	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		return &azure.Completion{Content: "not json at all"}, nil
	}}

	analyzer := NewBatchAnalyzer(stub)
	results, err := analyzer.Analyze(context.Background(), items, SystemPromptFor(ItemKindMCQ, ""))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != AnalysisError || r.Error == "" {
			t.Errorf("expected error result, got %+v", r)
		}
	}
}

func TestAnalyzeSanitizesCorrectAnswers(t *testing.T) {
	items := mcqItems(1)

	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		body := `{"results":[{"id":"` + items[0].ID + `","status":"ok","correctAnswers":[1, -2, "3", "abc", 2.5, 0]}]}`
		return &azure.Completion{Content: body}, nil
	}}

	analyzer := NewBatchAnalyzer(stub)
	results, err := analyzer.Analyze(context.Background(), items, SystemPromptFor(ItemKindMCQ, ""))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	want := []int{1, 3, 0}
	got := results[0].CorrectAnswers
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestAnalyzeStatusErrorPassedThrough(t *testing.T) {
	items := mcqItems(1)

	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		body := `{"results":[{"id":"` + items[0].ID + `","status":"error","error":"question illisible"}]}`
		return &azure.Completion{Content: body}, nil
	}}

	analyzer := NewBatchAnalyzer(stub)
	results, err := analyzer.Analyze(context.Background(), items, SystemPromptFor(ItemKindMCQ, ""))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if results[0].Status != AnalysisError || results[0].Error != "question illisible" {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestAnalyzeTransportErrorPropagates(t *testing.T) {
	wantErr := &azure.RequestError{Reason: azure.ReasonNetwork, Message: "down"}
	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		return nil, wantErr
	}}

	analyzer := NewBatchAnalyzer(stub)
	_, err := analyzer.Analyze(context.Background(), mcqItems(2), SystemPromptFor(ItemKindMCQ, ""))
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *azure.RequestError
	if !errors.As(err, &reqErr) {
		t.Errorf("expected wrapped RequestError, got %v", err)
	}
	// Transport failure must propagate, not be silently converted here
	if stub.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", stub.callCount())
	}
}

func TestAnalyzeNumericIDsCoerced(t *testing.T) {
	item := NewAnalyzableItem("7", ItemKindMCQ, "Q?", []string{"a", "b"}, "", "")

	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		// Model dropped the quotes around the id
		return &azure.Completion{Content: `{"results":[{"id":7,"status":"ok","correctAnswers":[1]}]}`}, nil
	}}

	analyzer := NewBatchAnalyzer(stub)
	results, err := analyzer.Analyze(context.Background(), []AnalyzableItem{item}, SystemPromptFor(ItemKindMCQ, ""))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if results[0].Status != AnalysisOK {
		t.Errorf("numeric id not matched: %+v", results[0])
	}
}
