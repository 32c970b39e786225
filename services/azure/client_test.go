package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:   serverURL,
		APIKey:     "test-key",
		Deployment: "gpt-test",
		RetryConfig: &RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     1 * time.Second,
		},
		RateLimiterConfig: &RateLimiterConfig{
			RequestsPerMinute: 100000,
			TokensPerMinute:   100000000,
			MinInterval:       time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func completionBody(content, finishReason string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"id": "chatcmpl-test",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": finishReason},
		},
	})
	return body
}

func TestCompleteSuccess(t *testing.T) {
	var gotPath string
	var gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("api-key")
		w.Write(completionBody(`{"results":[]}`, "stop"))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	resp, err := client.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "Respond in JSON."},
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != `{"results":[]}` {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("unexpected finish reason: %q", resp.FinishReason)
	}
	if gotPath != "/openai/deployments/gpt-test/chat/completions" {
		t.Errorf("unexpected path: %q", gotPath)
	}
	if gotAPIKey != "test-key" {
		t.Errorf("api-key header not set")
	}
}

func TestCompleteRetriesRateLimitWithRetryAfterMs(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("retry-after-ms", "500")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"429","message":"rate limited"}}`))
			return
		}
		w.Write(completionBody(`{"ok":true}`, "stop"))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	start := time.Now()
	resp, err := client.Complete(context.Background(), []ChatMessage{
		{Role: "user", Content: "json please"},
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected exactly 2 calls (one retry), got %d", got)
	}
	if elapsed < 500*time.Millisecond {
		t.Errorf("retry-after-ms not honored: completed in %v", elapsed)
	}
}

func TestCompleteRateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after-ms", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "json"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if ReasonOf(err) != ReasonRateLimited {
		t.Errorf("expected ReasonRateLimited, got %v (%v)", ReasonOf(err), err)
	}
}

func TestCompleteFatalConfigNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"401","message":"bad key"}}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "json"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if ReasonOf(err) != ReasonFatalConfig {
		t.Errorf("expected ReasonFatalConfig, got %v", ReasonOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fatal error should not be retried, got %d calls", got)
	}
}

func TestCompleteRetriesTruncationWithLargerBudget(t *testing.T) {
	var budgets []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MaxTokens int `json:"max_tokens"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		budgets = append(budgets, req.MaxTokens)

		if len(budgets) == 1 {
			w.Write(completionBody(`{"partial":`, "length"))
			return
		}
		w.Write(completionBody(`{"full":true}`, "stop"))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	resp, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "json"}}, WithMaxTokens(1000))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != `{"full":true}` {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if len(budgets) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(budgets))
	}
	if budgets[1] <= budgets[0] {
		t.Errorf("second budget %d not larger than first %d", budgets[1], budgets[0])
	}
}

func TestCompleteRetriesEmptyContentWithoutJSONFormat(t *testing.T) {
	var formats []bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		formats = append(formats, req.ResponseFormat != nil)

		if len(formats) == 1 {
			w.Write(completionBody("", "stop"))
			return
		}
		w.Write(completionBody(`{"ok":1}`, "stop"))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	resp, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "json"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != `{"ok":1}` {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if len(formats) != 2 || !formats[0] || formats[1] {
		t.Errorf("expected json format on first call only, got %v", formats)
	}
}

func TestCompleteRetriesServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(completionBody(`{"ok":1}`, "stop"))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	resp, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "json"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != `{"ok":1}` {
		t.Errorf("unexpected content: %q", resp.Content)
	}
}

func TestCompletePayloadTooLargeSurfacedImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"context_length_exceeded","message":"too long"}}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "json"}})
	if ReasonOf(err) != ReasonPayloadTooLarge {
		t.Errorf("expected ReasonPayloadTooLarge, got %v", ReasonOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("payload-too-large should not be retried, got %d calls", got)
	}
}

func TestEnsureJSONKeywordInjectsInstruction(t *testing.T) {
	msgs := ensureJSONKeyword([]ChatMessage{
		{Role: "system", Content: "You are a grader."},
		{Role: "user", Content: "grade this"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content == "You are a grader." {
		t.Error("system prompt should have the JSON instruction appended")
	}

	// Already mentions JSON: untouched
	orig := []ChatMessage{{Role: "system", Content: "Reply with JSON."}}
	msgs = ensureJSONKeyword(orig)
	if msgs[0].Content != "Reply with JSON." {
		t.Error("messages mentioning JSON must not be modified")
	}
}
