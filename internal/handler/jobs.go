package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/voxnote/bot/internal/model"
	"github.com/voxnote/bot/internal/service"
	"github.com/voxnote/bot/pkg/response"
)

// QueueStats reports the admission queue.
type QueueStats interface {
	Stats() model.QueueStatus
}

type JobHandler struct {
	jobs  *service.JobService
	queue QueueStats
}

func NewJobHandler(jobs *service.JobService, queue QueueStats) *JobHandler {
	return &JobHandler{jobs: jobs, queue: queue}
}

// Get handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Get(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, job)
}

// Queue handles GET /api/queue
// @Summary      Admission queue snapshot
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.QueueStatus
// @Security     BearerAuth
// @Router       /api/queue [get]
func (h *JobHandler) Queue(c *fiber.Ctx) error {
	return response.OK(c, h.queue.Stats())
}
