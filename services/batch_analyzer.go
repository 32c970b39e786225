package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/medrevise/correction-api/services/azure"
	"github.com/medrevise/correction-api/utils/jsonrepair"
)

// ChatCompleter is the transport dependency of the analyzer. *azure.Client
// satisfies it; tests substitute an httptest-backed client or a stub.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []azure.ChatMessage, options ...azure.Option) (*azure.Completion, error)
}

// BatchAnalyzer sends one bounded batch of items to the LLM and maps the
// response back onto the inputs. It guarantees one AnalysisResult per item:
// unparseable batch responses degrade to per-item salvage calls, and items
// the model skipped are recorded as errors instead of being dropped.
type BatchAnalyzer struct {
	client ChatCompleter
}

// NewBatchAnalyzer creates a batch analyzer on top of a chat completion client
func NewBatchAnalyzer(client ChatCompleter) *BatchAnalyzer {
	return &BatchAnalyzer{client: client}
}

// analysisEnvelope is the expected top-level response shape
type analysisEnvelope struct {
	Results []rawAnalysisResult `json:"results"`
}

// rawAnalysisResult tolerates the model's type sloppiness (numeric ids,
// float indices, non-string explanations) before coercion into AnalysisResult
type rawAnalysisResult struct {
	ID                 interface{}   `json:"id"`
	Status             string        `json:"status"`
	CorrectAnswers     []interface{} `json:"correctAnswers"`
	OptionExplanations []interface{} `json:"optionExplanations"`
	GlobalExplanation  string        `json:"globalExplanation"`
	CorrectedAnswer    string        `json:"correctedAnswer"`
	Error              string        `json:"error"`
}

// Analyze processes one batch and returns exactly one result per input item.
// It returns an error only for infrastructure failure of the batch call
// itself (transport retries exhausted); everything below that degrades to
// per-item status=error results.
func (a *BatchAnalyzer) Analyze(ctx context.Context, items []AnalyzableItem, systemPrompt string) ([]AnalysisResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	completion, err := a.client.Complete(ctx, a.buildMessages(items, systemPrompt),
		azure.WithMaxTokens(completionBudget(len(items))))
	if err != nil {
		return nil, fmt.Errorf("batch completion failed: %w", err)
	}

	var envelope analysisEnvelope
	recoverErr := jsonrepair.RecoverTo(completion.Content, &envelope)
	if recoverErr != nil || len(envelope.Results) == 0 {
		if recoverErr != nil {
			log.Printf("[Analyzer] batch of %d unrecoverable, falling back to per-item salvage: %v", len(items), recoverErr)
		} else {
			log.Printf("[Analyzer] batch of %d recovered but empty, falling back to per-item salvage", len(items))
		}
		return a.salvage(ctx, items, systemPrompt), nil
	}

	byID := make(map[string]rawAnalysisResult, len(envelope.Results))
	for _, raw := range envelope.Results {
		if id := coerceString(raw.ID); id != "" {
			byID[id] = raw
		}
	}

	results := make([]AnalysisResult, 0, len(items))
	for _, item := range items {
		raw, ok := byID[item.ID]
		if !ok {
			results = append(results, ErrorResult(item.ID, "Missing from AI response"))
			continue
		}
		results = append(results, coerceResult(item.ID, raw))
	}
	return results, nil
}

// salvage retries each item alone. One bad apple in a batch costs O(n)
// single calls instead of losing every item.
func (a *BatchAnalyzer) salvage(ctx context.Context, items []AnalyzableItem, systemPrompt string) []AnalysisResult {
	results := make([]AnalysisResult, 0, len(items))

	for _, item := range items {
		single := []AnalyzableItem{item}
		completion, err := a.client.Complete(ctx, a.buildMessages(single, systemPrompt),
			azure.WithMaxTokens(completionBudget(1)))
		if err != nil {
			results = append(results, ErrorResult(item.ID, fmt.Sprintf("salvage call failed: %v", err)))
			continue
		}

		var envelope analysisEnvelope
		if err := jsonrepair.RecoverTo(completion.Content, &envelope); err != nil || len(envelope.Results) == 0 {
			results = append(results, ErrorResult(item.ID, "salvage response unparseable"))
			continue
		}

		// Trust the single result even if the model mangled the id
		raw := envelope.Results[0]
		for _, candidate := range envelope.Results {
			if coerceString(candidate.ID) == item.ID {
				raw = candidate
				break
			}
		}
		results = append(results, coerceResult(item.ID, raw))
	}

	return results
}

// buildMessages serializes the batch into the user payload
func (a *BatchAnalyzer) buildMessages(items []AnalyzableItem, systemPrompt string) []azure.ChatMessage {
	payload, _ := json.Marshal(struct {
		Questions []AnalyzableItem `json:"questions"`
	}{Questions: items})

	return []azure.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(payload)},
	}
}

// coerceResult validates a raw model result into the typed variant.
// Invalid fields become absent rather than failing the item.
func coerceResult(id string, raw rawAnalysisResult) AnalysisResult {
	status := strings.ToLower(strings.TrimSpace(raw.Status))
	if status != string(AnalysisOK) {
		message := strings.TrimSpace(raw.Error)
		if message == "" {
			message = "AI reported failure without a reason"
		}
		return ErrorResult(id, message)
	}

	return AnalysisResult{
		ID:                 id,
		Status:             AnalysisOK,
		CorrectAnswers:     sanitizeIndices(raw.CorrectAnswers),
		OptionExplanations: coerceStrings(raw.OptionExplanations),
		GlobalExplanation:  strings.TrimSpace(raw.GlobalExplanation),
		CorrectedAnswer:    strings.TrimSpace(raw.CorrectedAnswer),
	}
}

// sanitizeIndices coerces correctAnswers entries to non-negative integers,
// silently dropping anything malformed
func sanitizeIndices(values []interface{}) []int {
	if len(values) == 0 {
		return nil
	}
	out := make([]int, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			if n >= 0 && n == math.Trunc(n) {
				out = append(out, int(n))
			}
		case string:
			if idx, err := strconv.Atoi(strings.TrimSpace(n)); err == nil && idx >= 0 {
				out = append(out, idx)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func coerceStrings(values []interface{}) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, "")
		}
	}
	return out
}

func coerceString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == math.Trunc(s) {
			return strconv.Itoa(int(s))
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

// completionBudget sizes the token budget to the batch instead of always
// requesting the maximum
func completionBudget(itemCount int) int {
	budget := 600 + itemCount*450
	if budget > azure.DefaultMaxTokens {
		return azure.DefaultMaxTokens
	}
	return budget
}
