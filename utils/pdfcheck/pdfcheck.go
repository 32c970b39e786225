package pdfcheck

import (
	"bytes"
	"fmt"
	"log"

	"github.com/ledongthuc/pdf"
)

// Limits for uploaded exam documents
const (
	MaxFileSize  = 50 * 1024 * 1024 // 50 MB
	MaxPageCount = 300
)

// Info describes a validated PDF
type Info struct {
	PageCount int
	FileSize  int64
}

// Sanitize truncates trailing garbage after the last %%EOF marker. PDFs
// passed around by admins often carry HTML or mail data appended after the
// real document end.
func Sanitize(content []byte) []byte {
	if len(content) == 0 || !bytes.HasPrefix(content, []byte("%PDF-")) {
		return content
	}

	eofMarker := []byte("%%EOF")
	lastEOF := bytes.LastIndex(content, eofMarker)
	if lastEOF == -1 {
		return content
	}

	pdfEnd := lastEOF + len(eofMarker)
	for pdfEnd < len(content) && (content[pdfEnd] == '\n' || content[pdfEnd] == '\r') {
		pdfEnd++
	}

	if extra := len(content) - pdfEnd; extra > 10 {
		log.Printf("[PDF] removing %d bytes of trailing garbage after %%EOF", extra)
		return content[:pdfEnd]
	}
	return content
}

// Validate checks that content is a readable PDF within the size and page
// limits, returning its basic info
func Validate(content []byte) (*Info, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", len(content), MaxFileSize)
	}
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return nil, fmt.Errorf("not a PDF file")
	}

	content = Sanitize(content)

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("unreadable PDF: %w", err)
	}

	pages := reader.NumPage()
	if pages <= 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if pages > MaxPageCount {
		return nil, fmt.Errorf("PDF has %d pages (max %d)", pages, MaxPageCount)
	}

	return &Info{
		PageCount: pages,
		FileSize:  int64(len(content)),
	}, nil
}
