package services

import (
	"fmt"
	"strings"
)

// Field caps applied before serializing an item into an LLM payload.
// Oversized rows are clipped rather than rejected so one pathological
// cell cannot sink a whole batch.
const (
	maxQuestionTextLen = 2000
	maxOptionLen       = 600
	maxAnswerRawLen    = 200
)

// ItemKind distinguishes the two analyzable question classes
type ItemKind string

const (
	ItemKindMCQ  ItemKind = "mcq"
	ItemKindQROC ItemKind = "qroc"
)

// AnalyzableItem is one question extracted from a workbook row.
// ID is the sole correlation key between request and response, derived
// from the sheet name and the row index (e.g. "QCM Session 1:12").
type AnalyzableItem struct {
	ID                string   `json:"id"`
	Kind              ItemKind `json:"-"`
	QuestionText      string   `json:"questionText"`
	Options           []string `json:"options,omitempty"`
	ProvidedAnswerRaw string   `json:"providedAnswer,omitempty"`
	CaseText          string   `json:"caseText,omitempty"`
}

// NewAnalyzableItem builds an item with field caps applied
func NewAnalyzableItem(id string, kind ItemKind, questionText string, options []string, providedAnswer, caseText string) AnalyzableItem {
	capped := make([]string, 0, len(options))
	for _, opt := range options {
		capped = append(capped, clip(opt, maxOptionLen))
	}
	if len(capped) == 0 {
		capped = nil
	}
	return AnalyzableItem{
		ID:                id,
		Kind:              kind,
		QuestionText:      clip(questionText, maxQuestionTextLen),
		Options:           capped,
		ProvidedAnswerRaw: clip(providedAnswer, maxAnswerRawLen),
		CaseText:          clip(caseText, maxQuestionTextLen),
	}
}

// AnalysisStatus marks whether an item was analyzed successfully
type AnalysisStatus string

const (
	AnalysisOK    AnalysisStatus = "ok"
	AnalysisError AnalysisStatus = "error"
)

// AnalysisResult is the outcome for one AnalyzableItem
type AnalysisResult struct {
	ID                 string         `json:"id"`
	Status             AnalysisStatus `json:"status"`
	CorrectAnswers     []int          `json:"correctAnswers,omitempty"`
	OptionExplanations []string       `json:"optionExplanations,omitempty"`
	GlobalExplanation  string         `json:"globalExplanation,omitempty"`
	CorrectedAnswer    string         `json:"correctedAnswer,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// ErrorResult builds a status=error result for an item
func ErrorResult(id, message string) AnalysisResult {
	return AnalysisResult{ID: id, Status: AnalysisError, Error: message}
}

// itemID derives the correlation key from the sheet name and the zero-based
// data row index, e.g. "QCM:12". Sheet names are unique within a workbook,
// so the pair is unique within a run; two sheets classifying to the same
// canonical type must not share ids.
func itemID(sheetName string, rowIndex int) string {
	return fmt.Sprintf("%s:%d", sheetName, rowIndex)
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	// Clip on a rune boundary so we never emit invalid UTF-8
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
