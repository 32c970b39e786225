package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/medrevise/correction-api/model"
	"github.com/medrevise/correction-api/services/azure"
)

// memoryRecorder is an in-memory JobRecorder for pipeline tests
type memoryRecorder struct {
	mu          sync.Mutex
	job         model.ValidationJob
	progressLog []int
	cancelled   bool
}

func (m *memoryRecorder) Update(ctx context.Context, jobID string, update JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if update.Status != nil {
		m.job.Status = *update.Status
	}
	if update.Progress != nil && *update.Progress > m.job.Progress {
		m.job.Progress = *update.Progress
	}
	m.progressLog = append(m.progressLog, m.job.Progress)
	if update.Message != "" {
		m.job.Message = update.Message
	}
	if update.ProcessedItems != nil {
		m.job.ProcessedItems = *update.ProcessedItems
	}
	if update.TotalItems != nil {
		m.job.TotalItems = *update.TotalItems
	}
	if update.TotalBatches != nil {
		m.job.TotalBatches = *update.TotalBatches
	}
	if update.SuccessfulAnalyses != nil {
		m.job.SuccessfulAnalyses = *update.SuccessfulAnalyses
	}
	if update.FailedAnalyses != nil {
		m.job.FailedAnalyses = *update.FailedAnalyses
	}
	if update.FixedCount != nil {
		m.job.FixedCount = *update.FixedCount
	}
	if update.ResultDataURL != nil {
		m.job.ResultDataURL = *update.ResultDataURL
	}
	if update.ErrorMessage != nil {
		m.job.ErrorMessage = *update.ErrorMessage
	}
	return nil
}

func (m *memoryRecorder) IsCancelled(ctx context.Context, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *memoryRecorder) snapshot() model.ValidationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job
}

// pipelineCompleter answers MCQ items with fixed indices and QROC items with
// a corrected answer
func pipelineCompleter(mcqAnswers []int) *stubCompleter {
	stub := &stubCompleter{}
	stub.fn = func(messages []azure.ChatMessage) (*azure.Completion, error) {
		var payload struct {
			Questions []AnalyzableItem `json:"questions"`
		}
		json.Unmarshal([]byte(messages[len(messages)-1].Content), &payload)

		var results []string
		for _, q := range payload.Questions {
			// QROC items carry no options
			if len(q.Options) == 0 {
				results = append(results, `{"id":"`+q.ID+`","status":"ok","correctedAnswer":"Escherichia coli","globalExplanation":"Germe urinaire classique."}`)
				continue
			}
			idxJSON, _ := json.Marshal(mcqAnswers)
			results = append(results, `{"id":"`+q.ID+`","status":"ok","correctAnswers":`+string(idxJSON)+`,"globalExplanation":"ok"}`)
		}
		return &azure.Completion{Content: `{"results":[` + strings.Join(results, ",") + `]}`}, nil
	}
	return stub
}

func newTestPipeline(stub *stubCompleter, recorder JobRecorder) *WorkbookPipeline {
	scheduler := NewChunkScheduler(NewBatchAnalyzer(stub))
	return NewWorkbookPipeline(scheduler, recorder, nil, PipelineConfig{
		BatchSize:     3,
		Concurrency:   2,
		WaveCooldown:  0,
		QROCMatchMode: "contains",
	})
}

func TestProcessEndToEnd(t *testing.T) {
	recorder := &memoryRecorder{}
	pipeline := newTestPipeline(pipelineCompleter([]int{0, 2}), recorder)

	pipeline.Process(context.Background(), "job-1", buildTestWorkbook(t), "")

	job := recorder.snapshot()
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.Progress != 100 {
		t.Errorf("final progress = %d", job.Progress)
	}
	if job.TotalItems != 3 || job.FixedCount != 3 || job.FailedAnalyses != 0 {
		t.Errorf("unexpected counts: total=%d fixed=%d failed=%d", job.TotalItems, job.FixedCount, job.FailedAnalyses)
	}

	const prefix = "data:" + xlsxMimeType + ";base64,"
	if !strings.HasPrefix(job.ResultDataURL, prefix) {
		t.Fatalf("result is not a data URL: %.60q", job.ResultDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(job.ResultDataURL, prefix))
	if err != nil {
		t.Fatalf("result data URL is not valid base64: %v", err)
	}

	out, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("result workbook unreadable: %v", err)
	}
	defer out.Close()

	rows, err := out.GetRows("QCM")
	if err != nil {
		t.Fatalf("QCM sheet missing from result: %v", err)
	}
	headers := rows[0]
	col := func(name string) int {
		for i, h := range headers {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %q missing from result headers %v", name, headers)
		return -1
	}

	// correctAnswers [0,2] merge back as letters
	if got := rows[1][col("Réponse")]; got != "A, C" {
		t.Errorf("merged answer: expected %q, got %q", "A, C", got)
	}
	if got := rows[1][col("ai_status")]; got != AIStatusFixed {
		t.Errorf("ai_status: expected fixed, got %q", got)
	}
	if got := rows[1][col("Explication")]; !strings.HasPrefix(got, "Note existante") {
		t.Errorf("existing explanation lost: %q", got)
	}

	if _, err := out.GetRows("Erreurs"); err != nil {
		t.Errorf("error sheet missing from result: %v", err)
	}
}

func TestProcessInvalidWorkbookFailsJob(t *testing.T) {
	recorder := &memoryRecorder{}
	pipeline := newTestPipeline(pipelineCompleter([]int{0}), recorder)

	pipeline.Process(context.Background(), "job-2", []byte("not an xlsx file"), "")

	job := recorder.snapshot()
	if job.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Error("error message missing")
	}
}

func TestProcessNoRecognizedSheetsFailsJob(t *testing.T) {
	f := excelize.NewFile()
	f.SetSheetName("Sheet1", "Divers")
	f.SetSheetRow("Divers", "A1", &[]string{"colonne"})
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	recorder := &memoryRecorder{}
	pipeline := newTestPipeline(pipelineCompleter([]int{0}), recorder)
	pipeline.Process(context.Background(), "job-3", buf.Bytes(), "")

	if job := recorder.snapshot(); job.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
}

func TestProcessTransportFailureStillCompletes(t *testing.T) {
	// Provider down for every call: the job completes with every item on the
	// error sheet instead of failing outright.
	stub := &stubCompleter{fn: func(messages []azure.ChatMessage) (*azure.Completion, error) {
		return nil, &azure.RequestError{Reason: azure.ReasonNetwork, StatusCode: 503, Message: "unavailable"}
	}}

	recorder := &memoryRecorder{}
	pipeline := newTestPipeline(stub, recorder)
	pipeline.Process(context.Background(), "job-4", buildTestWorkbook(t), "")

	job := recorder.snapshot()
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed with errors, got %s", job.Status)
	}
	if job.FixedCount != 0 || job.FailedAnalyses != 3 {
		t.Errorf("unexpected counts: fixed=%d failed=%d", job.FixedCount, job.FailedAnalyses)
	}
}

func TestProcessProgressMonotonic(t *testing.T) {
	recorder := &memoryRecorder{}
	pipeline := newTestPipeline(pipelineCompleter([]int{1}), recorder)
	pipeline.Process(context.Background(), "job-5", buildTestWorkbook(t), "avoid trick answers")

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	for i := 1; i < len(recorder.progressLog); i++ {
		if recorder.progressLog[i] < recorder.progressLog[i-1] {
			t.Fatalf("progress regressed at update %d: %v", i, recorder.progressLog)
		}
	}
	if last := recorder.progressLog[len(recorder.progressLog)-1]; last != 100 {
		t.Errorf("final progress = %d", last)
	}
}

func TestQROCMatcherModes(t *testing.T) {
	contains := QROCMatcher("contains")
	if !contains("E. coli", "e. Coli") {
		t.Error("contains mode should be case-insensitive")
	}
	if !contains("coli", "Escherichia coli") {
		t.Error("contains mode should accept containment")
	}

	exact := QROCMatcher("exact")
	if exact("coli", "Escherichia coli") {
		t.Error("exact mode must reject containment")
	}
	if !exact("Pénicilline", "penicilline") {
		t.Error("exact mode should ignore diacritics and case")
	}
}
