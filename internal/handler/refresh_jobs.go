package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/internal/middleware"
	"github.com/trr/admin-api/internal/model"
	"github.com/trr/admin-api/internal/service"
	ws "github.com/trr/admin-api/internal/websocket"
	"github.com/trr/admin-api/pkg/response"
)

// JobService creates and looks up background refresh jobs.
type JobService interface {
	StartRefresh(ctx context.Context, kind, targetID, backendPath string, body []byte, requestID string) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
}

type RefreshJobHandler struct {
	service   JobService
	backend   BackendStatus
	hub       *ws.Hub
	validator *validator.Validate
}

func NewRefreshJobHandler(svc JobService, backend BackendStatus, hub *ws.Hub, v *validator.Validate) *RefreshJobHandler {
	return &RefreshJobHandler{
		service:   svc,
		backend:   backend,
		hub:       hub,
		validator: v,
	}
}

// Start handles POST /api/admin/trr-api/shows/:showId/refresh-photos/jobs
func (h *RefreshJobHandler) Start(c *fiber.Ctx) error {
	req, rerr := prepare(c, RefreshShowPhotos, h.backend, h.validator)
	if rerr != nil {
		if rerr.status == fiber.StatusInternalServerError {
			return response.ServiceError(c, rerr.message)
		}
		var details interface{}
		if rerr.detail != "" {
			details = rerr.detail
		}
		if fields := formatValidationErrors(rerr.err); fields != nil {
			details = fields
		}
		return response.ValidationError(c, rerr.message, details)
	}

	requestID := middleware.RequestID(c)
	job, err := h.service.StartRefresh(c.UserContext(), model.JobKindRefreshPhotos, req.ids[0], req.backendPath, req.body, requestID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"request_id": requestID,
		}).WithFields(req.logFields(RefreshShowPhotos)).Error("Failed to start refresh job")
		return response.ServiceError(c, "Failed to start refresh job")
	}

	return response.Accepted(c, model.RefreshJobStartResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// Status handles GET /api/admin/trr-api/refresh-jobs/:jobId
func (h *RefreshJobHandler) Status(c *fiber.Ctx) error {
	jobID := pathParam(c, "jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetJob(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, job)
}

// Subscribe streams updates for one job over a websocket, starting with the
// job's current state.
func (h *RefreshJobHandler) Subscribe(c *websocket.Conn) {
	jobID := c.Params("jobId")

	var initial []byte
	job, err := h.service.GetJob(context.Background(), jobID)
	if err != nil && !errors.Is(err, service.ErrJobNotFound) {
		log.WithError(err).WithField("job_id", jobID).Warn("Failed to load job for websocket")
	}
	if job != nil {
		initial, _ = json.Marshal(snapshotMessage(job))
	}

	h.hub.HandleConnection(c, jobID, initial)
}

func snapshotMessage(job *model.Job) interface{} {
	switch job.Status {
	case model.JobStatusSucceeded:
		return model.WSCompleteMessage{
			Type:  model.WSMessageTypeComplete,
			JobID: job.ID,
			Job:   job,
		}
	case model.JobStatusFailed:
		msg := ""
		if job.Error != nil {
			msg = *job.Error
		}
		return model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{Code: job.ErrorCode, Message: msg},
		}
	default:
		return model.WSProgressMessage{
			Type:        model.WSMessageTypeProgress,
			JobID:       job.ID,
			Progress:    job.Progress,
			Status:      job.Status,
			CurrentStep: job.CurrentStep,
			Checkpoint:  job.Checkpoint,
		}
	}
}
