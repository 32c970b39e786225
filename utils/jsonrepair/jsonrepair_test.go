package jsonrepair

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRecoverValidJSONUnchanged(t *testing.T) {
	input := `{"results":[{"id":"0","status":"ok"}]}`
	got, err := Recover(input)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if got != input {
		t.Errorf("valid JSON was modified: %q", got)
	}
}

func TestRecoverFencedCodeBlock(t *testing.T) {
	input := "Here you go:\n```json\n{\"results\":[{\"id\":\"0\",\"status\":\"ok\",\"correctAnswers\":[1]}]}\n```"

	got, err := Recover(input)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	var parsed struct {
		Results []struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			CorrectAnswers []int  `json:"correctAnswers"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("recovered JSON invalid: %v", err)
	}
	if len(parsed.Results) != 1 || parsed.Results[0].ID != "0" || parsed.Results[0].CorrectAnswers[0] != 1 {
		t.Errorf("unexpected parse result: %+v", parsed)
	}
}

func TestRecoverLeadingProse(t *testing.T) {
	input := `Sure! The analysis results are: {"results":[{"id":"qcm:2","status":"ok"}]} hope this helps`
	got, err := Recover(input)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !strings.HasPrefix(got, `{"results"`) {
		t.Errorf("expected JSON object, got %q", got)
	}
	if !json.Valid([]byte(got)) {
		t.Errorf("recovered JSON invalid: %q", got)
	}
}

func TestRecoverUnbalancedBraces(t *testing.T) {
	input := `{"results":[{"id":"0","status":"ok"},{"id":"1","status":"ok"`
	got, err := Recover(input)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("recovered JSON invalid: %v (%q)", err, got)
	}
}

func TestRecoverTrailingCommas(t *testing.T) {
	input := `{"results":[{"id":"0","status":"ok",},],}`
	got, err := Recover(input)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !json.Valid([]byte(got)) {
		t.Errorf("recovered JSON invalid: %q", got)
	}
}

func TestRecoverPartialResultsArray(t *testing.T) {
	// Truncated mid-object: only the complete objects should survive
	input := `{"results":[{"id":"0","status":"ok"},{"id":"1","status":"ok"},{"id":"2","sta`

	got, err := Recover(input)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	var parsed struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("recovered JSON invalid: %v", err)
	}
	if len(parsed.Results) < 2 {
		t.Errorf("expected at least 2 recovered results, got %d", len(parsed.Results))
	}
	for i, r := range parsed.Results[:2] {
		if r.ID == "" {
			t.Errorf("result %d lost its id", i)
		}
	}
}

func TestRecoverIdempotent(t *testing.T) {
	inputs := []string{
		`{"results":[{"id":"0","status":"ok"}]}`,
		"```json\n{\"a\":1}\n```",
		`noise {"a":[1,2,3]} noise`,
	}

	for _, input := range inputs {
		first, err := Recover(input)
		if err != nil {
			t.Fatalf("Recover(%q) failed: %v", input, err)
		}
		second, err := Recover(input)
		if err != nil {
			t.Fatalf("second Recover(%q) failed: %v", input, err)
		}
		if first != second {
			t.Errorf("Recover not deterministic for %q: %q vs %q", input, first, second)
		}
		// Recovering an already-recovered payload must be a fixpoint
		again, err := Recover(first)
		if err != nil {
			t.Fatalf("Recover(recovered) failed: %v", err)
		}
		if again != first {
			t.Errorf("Recover not idempotent: %q -> %q", first, again)
		}
	}
}

func TestRecoverGarbageReturnsError(t *testing.T) {
	for _, input := range []string{"", "   ", "no json here at all", "{{{{{{{{{{{{{{{"} {
		if _, err := Recover(input); err == nil {
			t.Errorf("Recover(%q) should have failed", input)
		}
	}
}

func TestRecoverTo(t *testing.T) {
	var target struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	raw := "prefix ```json\n{\"results\":[{\"id\":\"x\"}]}\n``` suffix"
	if err := RecoverTo(raw, &target); err != nil {
		t.Fatalf("RecoverTo failed: %v", err)
	}
	if len(target.Results) != 1 || target.Results[0].ID != "x" {
		t.Errorf("unexpected target: %+v", target)
	}
}
