package validation

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/medrevise/correction-api/model"
	"github.com/medrevise/correction-api/services"
	"github.com/medrevise/correction-api/services/storage"
	"github.com/medrevise/correction-api/utils/middleware"
	"github.com/medrevise/correction-api/utils/response"
	"github.com/medrevise/correction-api/utils/sse"
)

const maxWorkbookSize = 25 * 1024 * 1024 // 25 MB

// ValidationHandler exposes the workbook validation pipeline over HTTP
type ValidationHandler struct {
	tracker  *services.ProgressTracker
	pipeline *services.WorkbookPipeline
	spaces   *storage.SpacesClient // nil when object storage is not configured
}

// NewValidationHandler creates a new validation handler
func NewValidationHandler(tracker *services.ProgressTracker, pipeline *services.WorkbookPipeline, spaces *storage.SpacesClient) *ValidationHandler {
	return &ValidationHandler{
		tracker:  tracker,
		pipeline: pipeline,
		spaces:   spaces,
	}
}

// jobView is the API shape of a validation job, without the embedded result blob
type jobView struct {
	JobID              string     `json:"job_id"`
	Status             string     `json:"status"`
	Progress           int        `json:"progress"`
	Message            string     `json:"message"`
	ProcessedItems     int        `json:"processed_items"`
	TotalItems         int        `json:"total_items"`
	CurrentBatch       int        `json:"current_batch"`
	TotalBatches       int        `json:"total_batches"`
	SuccessfulAnalyses int        `json:"successful_analyses"`
	FailedAnalyses     int        `json:"failed_analyses"`
	FixedCount         int        `json:"fixed_count"`
	InputFilename      string     `json:"input_filename"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	HasResult          bool       `json:"has_result"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func toJobView(job *model.ValidationJob) jobView {
	return jobView{
		JobID:              job.JobID,
		Status:             string(job.Status),
		Progress:           job.Progress,
		Message:            job.Message,
		ProcessedItems:     job.ProcessedItems,
		TotalItems:         job.TotalItems,
		CurrentBatch:       job.CurrentBatch,
		TotalBatches:       job.TotalBatches,
		SuccessfulAnalyses: job.SuccessfulAnalyses,
		FailedAnalyses:     job.FailedAnalyses,
		FixedCount:         job.FixedCount,
		InputFilename:      job.InputFilename,
		ErrorMessage:       job.ErrorMessage,
		HasResult:          job.ResultDataURL != "",
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
	}
}

// CreateJob handles POST /api/v1/validation-jobs
// Accepts a multipart form with the workbook under "file" and optional
// "instructions" text, then runs the pipeline in the background.
func (h *ValidationHandler) CreateJob(c *fiber.Ctx) error {
	subject, ok := middleware.GetSubject(c)
	if !ok {
		return response.Unauthorized(c, "Not authenticated")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.BadRequest(c, "A workbook file is required (field \"file\")")
	}
	if fileHeader.Size > maxWorkbookSize {
		return response.BadRequest(c, fmt.Sprintf("File too large (max %d MB)", maxWorkbookSize/(1024*1024)))
	}
	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".xlsx") {
		return response.BadRequest(c, "Only .xlsx workbooks are supported")
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

	instructions := c.FormValue("instructions")

	job, err := h.tracker.CreateJob(c.Context(), subject, fileHeader.Filename, instructions)
	if err != nil {
		if errors.Is(err, services.ErrActiveJobExists) {
			return response.Conflict(c, err.Error())
		}
		return response.InternalServerError(c, err.Error())
	}

	if h.spaces != nil {
		go h.archiveInput(job.JobID, fileHeader.Filename, data)
	}

	// The request context dies with the response; the pipeline gets its own
	go h.pipeline.Process(context.Background(), job.JobID, data, instructions)

	log.Printf("[Validation] job %s created by %s (%s, %d bytes)", job.JobID, subject, fileHeader.Filename, fileHeader.Size)
	return response.Accepted(c, "Validation job created", toJobView(job))
}

// archiveInput stores the uploaded workbook in object storage so a failed
// job can be replayed. Best effort only; the pipeline runs on the in-memory
// copy either way.
func (h *ValidationHandler) archiveInput(jobID, filename string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	key := fmt.Sprintf("validation-inputs/%s/%s", jobID, filename)
	if err := h.spaces.Upload(ctx, key, data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
		log.Printf("[Validation] failed to archive input for job %s: %v", jobID, err)
		return
	}
	if err := h.tracker.Update(ctx, jobID, services.JobUpdate{InputKey: &key}); err != nil {
		log.Printf("[Validation] failed to record input key for job %s: %v", jobID, err)
	}
}

// GetJob handles GET /api/v1/validation-jobs/:job_id
func (h *ValidationHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.tracker.GetJob(c.Context(), c.Params("job_id"))
	if err != nil {
		return response.NotFound(c, err.Error())
	}
	return response.Success(c, toJobView(job))
}

// StreamJob handles GET /api/v1/validation-jobs/:job_id/stream
// Streams job progress as SSE events until the job reaches a terminal state.
func (h *ValidationHandler) StreamJob(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if _, err := h.tracker.GetJob(c.Context(), jobID); err != nil {
		return response.NotFound(c, err.Error())
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The fiber context is not valid inside the stream writer
		ctx := context.Background()

		lastProgress := -1
		lastStatus := model.ValidationJobStatus("")
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			job, err := h.tracker.GetJob(ctx, jobID)
			if err != nil {
				sse.SendError(w, fiber.Map{"job_id": jobID, "error": err.Error()})
				return
			}

			if job.Progress != lastProgress || job.Status != lastStatus {
				lastProgress = job.Progress
				lastStatus = job.Status
				if err := sse.SendProgress(w, toJobView(job)); err != nil {
					return // client went away
				}
			}

			if job.Status.IsTerminal() {
				sse.SendComplete(w, toJobView(job))
				return
			}
		}
	})

	return nil
}

// DownloadResult handles GET /api/v1/validation-jobs/:job_id/result
// Serves the corrected workbook stored on the job record.
func (h *ValidationHandler) DownloadResult(c *fiber.Ctx) error {
	job, err := h.tracker.GetJob(c.Context(), c.Params("job_id"))
	if err != nil {
		return response.NotFound(c, err.Error())
	}
	if job.Status != model.JobStatusCompleted || job.ResultDataURL == "" {
		return response.NotFound(c, "No result available for this job")
	}

	idx := strings.Index(job.ResultDataURL, ";base64,")
	if idx == -1 {
		return response.InternalServerError(c, "Stored result is malformed")
	}
	data, err := base64.StdEncoding.DecodeString(job.ResultDataURL[idx+len(";base64,"):])
	if err != nil {
		return response.InternalServerError(c, "Stored result is malformed")
	}

	filename := strings.TrimSuffix(job.InputFilename, ".xlsx") + "_corrige.xlsx"
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(data)
}

// CancelJob handles POST /api/v1/validation-jobs/:job_id/cancel
func (h *ValidationHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if err := h.tracker.CancelJob(c.Context(), jobID); err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			return response.NotFound(c, err.Error())
		}
		return response.Conflict(c, err.Error())
	}
	return response.SuccessWithMessage(c, "Job cancelled", fiber.Map{"job_id": jobID})
}
