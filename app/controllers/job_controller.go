package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobs"
	"github.com/ManuelReschke/CreditFox/internal/pkg/usercontext"
)

type submitJobRequest struct {
	Feature string                 `json:"feature" validate:"required,max=64"`
	Input   map[string]interface{} `json:"input" validate:"required"`
}

// JobController exposes generation jobs to API clients.
type JobController struct {
	orchestrator *jobs.Orchestrator
}

func NewJobController(o *jobs.Orchestrator) *JobController {
	return &JobController{orchestrator: o}
}

// HandleSubmitJob accepts a feature request and answers 202 with the job id.
// A provider failure at submission is reported with the job it left behind.
func (jc *JobController) HandleSubmitJob(c *fiber.Ctx) error {
	var req submitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.Validation("request body must be a JSON object"))
	}
	if err := validate.Struct(req); err != nil {
		return respondError(c, validationError(err))
	}

	job, err := jc.orchestrator.Submit(c.UserContext(), usercontext.GetUserID(c), req.Feature, req.Input)
	if err != nil {
		if job != nil {
			c.Set("X-Job-ID", job.ID)
		}
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// HandleGetJob polls the provider when the job is still running and returns
// the current snapshot.
func (jc *JobController) HandleGetJob(c *fiber.Ctx) error {
	userID, jobID := usercontext.GetUserID(c), c.Params("id")
	res, err := jc.orchestrator.Poll(c.UserContext(), userID, jobID)
	if err != nil {
		if !apperr.ShouldRetry(err) {
			return respondError(c, err)
		}
		// Provider hiccup: the stored job is still valid, the client polls again.
		job, gerr := jc.orchestrator.Get(c.UserContext(), userID, jobID)
		if gerr != nil {
			return respondError(c, gerr)
		}
		resp := jobResponse(job)
		resp["poll_error"] = apperr.Message(err, "provider unavailable")
		return c.JSON(resp)
	}
	return c.JSON(jobResponse(res.Job))
}

// HandleListJobs returns the caller's most recent jobs without polling.
func (jc *JobController) HandleListJobs(c *fiber.Ctx) error {
	list, err := jc.orchestrator.List(c.UserContext(), usercontext.GetUserID(c), c.QueryInt("limit", 20))
	if err != nil {
		return respondError(c, err)
	}
	out := make([]fiber.Map, 0, len(list))
	for i := range list {
		out = append(out, jobResponse(&list[i]))
	}
	return c.JSON(fiber.Map{"jobs": out})
}

func jobResponse(job *models.GenerationJob) fiber.Map {
	resp := fiber.Map{
		"job_id":       job.ID,
		"feature":      job.Feature,
		"status":       job.Status,
		"cost_credits": job.CostCredits,
		"created_at":   formatTimePtr(&job.CreatedAt),
		"completed_at": formatTimePtr(job.CompletedAt),
	}
	if job.ResultRef != "" {
		resp["result_ref"] = job.ResultRef
	}
	if job.ErrorMessage != "" {
		resp["error"] = job.ErrorMessage
	}
	return resp
}
