package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
)

// defaultSinceSeconds is the window of /v1/toolkit/jobs/status
const defaultSinceSeconds = 600

func (s *Server) jobStatus(c *fiber.Ctx) error {
	return s.lookup(c, c.Params("job_id"))
}

func (s *Server) jobStatusBody(c *fiber.Ctx) error {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.JobID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Invalid payload: job_id is required"})
	}
	return s.lookup(c, req.JobID)
}

func (s *Server) lookup(c *fiber.Ctx, id string) error {
	job, err := s.deps.Ledger.Get(c.UserContext(), id)
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Job not found", "job_id": id})
	case err != nil:
		s.log.WithError(err).Errorf("Failed to read job %s", id)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read job", "job_id": id})
	}
	return c.JSON(job)
}

// jobsStatus maps every job updated in the last since_seconds to its status
func (s *Server) jobsStatus(c *fiber.Ctx) error {
	var req struct {
		SinceSeconds *int `json:"since_seconds"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Invalid JSON: " + err.Error()})
		}
	}
	since := defaultSinceSeconds
	if req.SinceSeconds != nil {
		if *req.SinceSeconds < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Invalid payload: since_seconds must be >= 0"})
		}
		since = *req.SinceSeconds
	}

	jobs, err := s.deps.Ledger.List(c.UserContext(), time.Now().Add(-time.Duration(since)*time.Second))
	if err != nil {
		s.log.WithError(err).Error("Failed to list jobs")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list jobs"})
	}

	out := make(map[string]string, len(jobs))
	for _, j := range jobs {
		out[j.ID] = string(j.Status)
	}
	return c.JSON(out)
}
