package document

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/medrevise/correction-api/model"
	"github.com/medrevise/correction-api/services/storage"
	"github.com/medrevise/correction-api/utils/middleware"
	"github.com/medrevise/correction-api/utils/pdfcheck"
	"github.com/medrevise/correction-api/utils/response"
)

// DocumentHandler manages exam PDF uploads (statements and official
// corrections) attached to a session
type DocumentHandler struct {
	db     *gorm.DB
	spaces *storage.SpacesClient // nil when object storage is not configured
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(db *gorm.DB, spaces *storage.SpacesClient) *DocumentHandler {
	return &DocumentHandler{db: db, spaces: spaces}
}

// Upload handles POST /api/v1/documents
// Multipart form: "file" (PDF), "session_ref", "type" (statement|correction)
func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	subject, ok := middleware.GetSubject(c)
	if !ok {
		return response.Unauthorized(c, "Not authenticated")
	}

	sessionRef := strings.TrimSpace(c.FormValue("session_ref"))
	if sessionRef == "" {
		return response.BadRequest(c, "session_ref is required")
	}

	docType := model.DocumentType(c.FormValue("type", string(model.DocumentTypeStatement)))
	if docType != model.DocumentTypeStatement && docType != model.DocumentTypeCorrection {
		return response.BadRequest(c, "type must be statement or correction")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.BadRequest(c, "A PDF file is required (field \"file\")")
	}
	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".pdf") {
		return response.BadRequest(c, "Only PDF files are supported")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.InternalServerError(c, "Failed to read uploaded file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return response.InternalServerError(c, "Failed to read uploaded file")
	}

	info, err := pdfcheck.Validate(data)
	if err != nil {
		return response.BadRequest(c, fmt.Sprintf("Invalid PDF: %v", err))
	}

	doc := model.Document{
		SessionRef: sessionRef,
		Type:       docType,
		Filename:   fileHeader.Filename,
		FileSize:   info.FileSize,
		PageCount:  info.PageCount,
		UploadedBy: subject,
	}

	if h.spaces != nil {
		key := fmt.Sprintf("documents/%s/%s/%d_%s", sessionRef, docType, time.Now().Unix(), fileHeader.Filename)
		if err := h.spaces.Upload(c.Context(), key, pdfcheck.Sanitize(data), "application/pdf"); err != nil {
			return response.InternalServerError(c, "Failed to store document")
		}
		doc.SpacesKey = key
		doc.SpacesURL = h.spaces.ObjectURL(key)
	}

	if err := h.db.WithContext(c.Context()).Create(&doc).Error; err != nil {
		return response.InternalServerError(c, "Failed to save document record")
	}

	log.Printf("[Document] %s uploaded %s (%s, %d pages) for session %s", subject, fileHeader.Filename, docType, info.PageCount, sessionRef)
	return response.Created(c, doc)
}

// List handles GET /api/v1/documents?session_ref=...
func (h *DocumentHandler) List(c *fiber.Ctx) error {
	query := h.db.WithContext(c.Context()).Order("created_at DESC")
	if sessionRef := c.Query("session_ref"); sessionRef != "" {
		query = query.Where("session_ref = ?", sessionRef)
	}

	var docs []model.Document
	if err := query.Limit(200).Find(&docs).Error; err != nil {
		return response.InternalServerError(c, "Failed to list documents")
	}
	return response.Success(c, docs)
}

// Download handles GET /api/v1/documents/:id/download
func (h *DocumentHandler) Download(c *fiber.Ctx) error {
	var doc model.Document
	if err := h.db.WithContext(c.Context()).First(&doc, "id = ?", c.Params("id")).Error; err != nil {
		return response.NotFound(c, "Document not found")
	}
	if h.spaces == nil || doc.SpacesKey == "" {
		return response.NotFound(c, "Document content is not stored")
	}

	data, err := h.spaces.Download(c.Context(), doc.SpacesKey)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch document")
	}

	c.Set("Content-Type", "application/pdf")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	return c.Send(data)
}
