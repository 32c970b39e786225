package services

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/medrevise/correction-api/utils/textnorm"
)

// Canonical sheet keys. Sheet names are matched case/space/diacritic
// insensitively ("CAS QCM", "cas_qcm" and "Cas-QCM" are the same sheet type).
const (
	SheetQCM     = "qcm"
	SheetCasQCM  = "cas_qcm"
	SheetQROC    = "qroc"
	SheetCasQROC = "cas_qroc"

	errorSheetName = "Erreurs"
)

// AI marker values stamped into every analyzable row
const (
	AIStatusUnfixed = "unfixed"
	AIStatusFixed   = "fixed"
)

// Canonical column keys after header normalization
const (
	colQuestionText = "texte question"
	colReponse      = "reponse"
	colSource       = "source"
	colCasNumber    = "cas n"
	colCasText      = "texte cas"
	colQuestionNum  = "question n"
	colExplication  = "explication"
	colAIStatus     = "ai status"
	colAIReason     = "ai reason"
)

var optionColumns = []string{"option a", "option b", "option c", "option d", "option e"}

// headerAliases maps normalized header variants onto one canonical key.
// Normalization already folds "Texte de la Question", "texte_question" and
// "Texte Question" to "texte question"; aliases cover the leftover shapes.
var headerAliases = map[string]string{
	"question":       colQuestionText,
	"enonce":         colQuestionText,
	"reponses":       colReponse,
	"bonne reponse":  colReponse,
	"bonnes reponse": colReponse,
	"cas":            colCasNumber,
	"n cas":          colCasNumber,
	"explications":   colExplication,
	"commentaire":    colExplication,
}

// SheetData is one canonical sheet loaded into memory. Rows are aligned to
// Headers; missing trailing cells are padded with empty strings.
type SheetData struct {
	Name         string
	CanonicalKey string
	Headers      []string
	Rows         [][]string

	columnIndex map[string]int // canonical header key -> column index
}

// Workbook wraps the underlying xlsx file plus the canonical sheets extracted
// from it. Non-canonical sheets stay untouched inside the file handle.
type Workbook struct {
	file   *excelize.File
	Sheets []*SheetData
}

// ParseWorkbook reads an xlsx blob and loads every canonical sheet.
// Unrecognized sheets pass through untouched.
func ParseWorkbook(data []byte) (*Workbook, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}

	wb := &Workbook{file: file}
	for _, name := range file.GetSheetList() {
		key := classifySheet(name)
		if key == "" {
			continue
		}

		rows, err := file.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
		}
		if len(rows) == 0 {
			continue
		}

		sheet := &SheetData{
			Name:         name,
			CanonicalKey: key,
			Headers:      rows[0],
			Rows:         rows[1:],
		}
		sheet.buildColumnIndex()
		sheet.padRows()
		wb.Sheets = append(wb.Sheets, sheet)
	}

	return wb, nil
}

// classifySheet maps a sheet name to its canonical key, or "" for passthrough
func classifySheet(name string) string {
	switch textnorm.CanonicalizeSheet(name) {
	case "qcm":
		return SheetQCM
	case "casqcm":
		return SheetCasQCM
	case "qroc":
		return SheetQROC
	case "casqroc":
		return SheetCasQROC
	default:
		return ""
	}
}

func (s *SheetData) buildColumnIndex() {
	s.columnIndex = make(map[string]int, len(s.Headers))
	for i, header := range s.Headers {
		key := textnorm.CanonicalizeHeader(header)
		if alias, ok := headerAliases[key]; ok {
			key = alias
		}
		if _, exists := s.columnIndex[key]; !exists && key != "" {
			s.columnIndex[key] = i
		}
	}
}

// padRows extends every row to the header width so column access never
// goes out of bounds
func (s *SheetData) padRows() {
	for i, row := range s.Rows {
		for len(row) < len(s.Headers) {
			row = append(row, "")
		}
		s.Rows[i] = row
	}
}

// ensureColumn returns the index of the canonical column, appending a new
// header (and padding rows) when absent
func (s *SheetData) ensureColumn(key, header string) int {
	if idx, ok := s.columnIndex[key]; ok {
		return idx
	}
	idx := len(s.Headers)
	s.Headers = append(s.Headers, header)
	s.columnIndex[key] = idx
	s.padRows()
	return idx
}

// Get returns the cell value for a canonical column key, "" when the column
// does not exist
func (s *SheetData) Get(rowIndex int, key string) string {
	idx, ok := s.columnIndex[key]
	if !ok || rowIndex < 0 || rowIndex >= len(s.Rows) {
		return ""
	}
	return strings.TrimSpace(s.Rows[rowIndex][idx])
}

// Set writes a cell value for a canonical column key, creating the column
// when needed
func (s *SheetData) Set(rowIndex int, key, value string) {
	idx, ok := s.columnIndex[key]
	if !ok {
		idx = s.ensureColumn(key, key)
	}
	if rowIndex < 0 || rowIndex >= len(s.Rows) {
		return
	}
	s.Rows[rowIndex][idx] = value
}

// IsMCQ reports whether the sheet holds multiple-choice rows
func (s *SheetData) IsMCQ() bool {
	return s.CanonicalKey == SheetQCM || s.CanonicalKey == SheetCasQCM
}

// StampUnfixed injects the AI marker columns and marks every row unfixed.
// Done before any network call so an interrupted run still leaves a fully
// annotated workbook.
func (w *Workbook) StampUnfixed() {
	for _, sheet := range w.Sheets {
		sheet.ensureColumn(colAIStatus, "ai_status")
		sheet.ensureColumn(colAIReason, "ai_reason")
		for i := range sheet.Rows {
			sheet.Set(i, colAIStatus, AIStatusUnfixed)
			sheet.Set(i, colAIReason, "")
		}
	}
}

// ExtractItems collects the MCQ and QROC item lists across every canonical
// sheet. Rows without question text are skipped (they keep ai_status=unfixed
// and surface on the error sheet). onRow, when non-nil, is called once per
// scanned row for progress reporting.
func (w *Workbook) ExtractItems(onRow func(scanned int)) (mcq, qroc []AnalyzableItem) {
	scanned := 0
	for _, sheet := range w.Sheets {
		for i := range sheet.Rows {
			scanned++
			if onRow != nil && scanned%25 == 0 {
				onRow(scanned)
			}

			question := sheet.Get(i, colQuestionText)
			if question == "" {
				sheet.Set(i, colAIReason, "Question text missing")
				continue
			}

			id := itemID(sheet.Name, i)
			caseText := sheet.Get(i, colCasText)

			if sheet.IsMCQ() {
				options := make([]string, 0, len(optionColumns))
				filled := 0
				for _, optKey := range optionColumns {
					opt := sheet.Get(i, optKey)
					if opt != "" {
						filled++
					}
					options = append(options, opt)
				}
				// Trim trailing empty slots but keep interior gaps so result
				// indices stay aligned with the option column letters
				for len(options) > 0 && options[len(options)-1] == "" {
					options = options[:len(options)-1]
				}
				if filled < 2 {
					sheet.Set(i, colAIReason, "Not enough options")
					continue
				}
				provided := strings.Join(ParseAnswerLetters(sheet.Get(i, colReponse)), ", ")
				mcq = append(mcq, NewAnalyzableItem(id, ItemKindMCQ, question, options, provided, caseText))
			} else {
				qroc = append(qroc, NewAnalyzableItem(id, ItemKindQROC, question, nil, sheet.Get(i, colReponse), caseText))
			}
		}
	}
	return mcq, qroc
}

// MergeStats summarizes a merge pass
type MergeStats struct {
	Fixed      int
	Failed     int
	Successful int
}

// MergeResults folds analysis results back into their originating rows.
// Answer letters replace the reponse column; explanations are appended to
// whatever the row already holds, never overwriting human-authored content.
func (w *Workbook) MergeResults(results map[string]AnalysisResult, qrocMatcher func(provided, corrected string) bool) MergeStats {
	var stats MergeStats

	for _, sheet := range w.Sheets {
		for i := range sheet.Rows {
			result, ok := results[itemID(sheet.Name, i)]
			if !ok {
				continue
			}

			if result.Status != AnalysisOK {
				sheet.Set(i, colAIReason, result.Error)
				stats.Failed++
				continue
			}
			stats.Successful++

			if sheet.IsMCQ() {
				if len(result.CorrectAnswers) == 0 {
					sheet.Set(i, colAIReason, "AI returned no correct answers")
					stats.Failed++
					stats.Successful--
					continue
				}
				sheet.Set(i, colReponse, IndicesToLetters(result.CorrectAnswers))
				appendExplanation(sheet, i, mcqExplanation(result))
			} else {
				corrected := strings.TrimSpace(result.CorrectedAnswer)
				if corrected != "" {
					provided := sheet.Get(i, colReponse)
					if provided == "" || qrocMatcher == nil || !qrocMatcher(provided, corrected) {
						sheet.Set(i, colReponse, corrected)
					}
				}
				appendExplanation(sheet, i, result.GlobalExplanation)
			}

			sheet.Set(i, colAIStatus, AIStatusFixed)
			sheet.Set(i, colAIReason, "")
			stats.Fixed++
		}
	}

	return stats
}

// mcqExplanation assembles the per-option and global explanations into one block
func mcqExplanation(result AnalysisResult) string {
	var parts []string
	for i, text := range result.OptionExplanations {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", IndexToLetter(i), text))
	}
	if global := strings.TrimSpace(result.GlobalExplanation); global != "" {
		parts = append(parts, global)
	}
	return strings.Join(parts, "\n")
}

func appendExplanation(sheet *SheetData, rowIndex int, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	existing := sheet.Get(rowIndex, colExplication)
	if existing == "" {
		sheet.Set(rowIndex, colExplication, text)
		return
	}
	sheet.Set(rowIndex, colExplication, existing+"\n\n"+text)
}

// RebuildErrorSheet regenerates the Erreurs sheet from scratch, listing every
// row whose ai_status is not fixed. Row numbers are 1-based and include the
// header row, matching what the admin sees in the spreadsheet UI.
func (w *Workbook) RebuildErrorSheet() (int, error) {
	idx, err := w.file.GetSheetIndex(errorSheetName)
	if err == nil && idx != -1 {
		if err := w.file.DeleteSheet(errorSheetName); err != nil {
			return 0, fmt.Errorf("failed to reset error sheet: %w", err)
		}
	}
	if _, err := w.file.NewSheet(errorSheetName); err != nil {
		return 0, fmt.Errorf("failed to create error sheet: %w", err)
	}

	if err := w.file.SetSheetRow(errorSheetName, "A1", &[]string{"sheet", "row", "reason", "question"}); err != nil {
		return 0, err
	}

	count := 0
	for _, sheet := range w.Sheets {
		for i := range sheet.Rows {
			if sheet.Get(i, colAIStatus) == AIStatusFixed {
				continue
			}
			count++
			reason := sheet.Get(i, colAIReason)
			if reason == "" {
				reason = "Not processed"
			}
			row := []interface{}{sheet.Name, i + 2, reason, sheet.Get(i, colQuestionText)}
			cell, _ := excelize.CoordinatesToCellName(1, count+1)
			if err := w.file.SetSheetRow(errorSheetName, cell, &row); err != nil {
				return 0, err
			}
		}
	}

	return count, nil
}

// Serialize writes the mutated canonical sheets back into the file and
// returns the full workbook bytes
func (w *Workbook) Serialize() ([]byte, error) {
	for _, sheet := range w.Sheets {
		if err := w.file.SetSheetRow(sheet.Name, "A1", &sheet.Headers); err != nil {
			return nil, fmt.Errorf("failed to write headers of %q: %w", sheet.Name, err)
		}
		for i, row := range sheet.Rows {
			cell, _ := excelize.CoordinatesToCellName(1, i+2)
			values := make([]interface{}, len(row))
			for j, v := range row {
				values[j] = v
			}
			if err := w.file.SetSheetRow(sheet.Name, cell, &values); err != nil {
				return nil, fmt.Errorf("failed to write row %d of %q: %w", i+2, sheet.Name, err)
			}
		}
	}

	buf, err := w.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases the underlying file handle
func (w *Workbook) Close() error {
	return w.file.Close()
}

// RowCount returns the total number of data rows across canonical sheets
func (w *Workbook) RowCount() int {
	total := 0
	for _, sheet := range w.Sheets {
		total += len(sheet.Rows)
	}
	return total
}

// IndexToLetter converts a zero-based option index to its letter (A=0)
func IndexToLetter(index int) string {
	if index < 0 || index > 25 {
		return ""
	}
	return string(rune('A' + index))
}

// IndicesToLetters renders zero-based indices as "A, C" style answer text
func IndicesToLetters(indices []int) string {
	letters := make([]string, 0, len(indices))
	for _, idx := range indices {
		if letter := IndexToLetter(idx); letter != "" {
			letters = append(letters, letter)
		}
	}
	return strings.Join(letters, ", ")
}

// ParseAnswerLetters splits an answer cell like "A, C" or "AC" into letters
func ParseAnswerLetters(raw string) []string {
	var letters []string
	for _, r := range strings.ToUpper(raw) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, string(r))
		}
	}
	return letters
}
