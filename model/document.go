package model

import (
	"time"

	"gorm.io/gorm"
)

// DocumentType represents the type of uploaded document
type DocumentType string

const (
	DocumentTypeStatement  DocumentType = "statement"  // Exam statement PDF shown to students
	DocumentTypeCorrection DocumentType = "correction" // Official correction PDF
)

// Document represents an uploaded exam PDF associated with a correction session
type Document struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	SessionRef string       `gorm:"index;type:varchar(128)" json:"session_ref"`
	Type       DocumentType `gorm:"type:varchar(20);not null" json:"type"`
	Filename   string       `gorm:"not null" json:"filename"`
	SpacesKey  string       `gorm:"type:varchar(512)" json:"spaces_key"`
	SpacesURL  string       `gorm:"type:text" json:"spaces_url"`
	FileSize   int64        `gorm:"default:0" json:"file_size"`
	PageCount  int          `gorm:"default:0" json:"page_count"`
	UploadedBy string       `gorm:"index;type:varchar(255)" json:"uploaded_by"`
}
