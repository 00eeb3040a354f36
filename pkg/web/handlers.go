// Package web provides the REST API over the take registry and the
// canonical project graphs.
package web

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// ProjectReader returns the canonical state of a project.
type ProjectReader interface {
	Snapshot(ctx context.Context, projectID string) (*models.ProjectState, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	takes     *services.Takes
	projects  ProjectReader
	health    HealthChecker
	validator *validator.Validate
}

func NewAPIHandlers(
	takes *services.Takes,
	projects ProjectReader,
	health HealthChecker,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		takes:     takes,
		projects:  projects,
		health:    health,
		validator: validator,
	}
}

// Register mounts the API routes on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	router.Get("/projects/:projectId/graph", h.GetProjectGraph)

	s := router.Group("/shots/:shotId")
	s.Get("/takes", h.ListTakes)
	s.Post("/takes", h.CreateTake)
	s.Put("/active-take", h.SetActiveTake)
	s.Get("/takes/:takeId", h.GetTake)
	s.Delete("/takes/:takeId", h.DeleteTake)
	s.Post("/takes/:takeId/export", h.ExportTake)
	s.Get("/takes/:takeId/file", h.GetTakeFile)
}

func (h *APIHandlers) GetProjectGraph(c fiber.Ctx) error {
	state, err := h.projects.Snapshot(c.Context(), c.Params("projectId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ListTakes(c fiber.Ctx) error {
	list, err := h.takes.ListTakes(c.Context(), c.Params("shotId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewTakeListResponse(list))
}

func (h *APIHandlers) CreateTake(c fiber.Ctx) error {
	var req CreateTakeRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.takes.CreateTake(c.Context(), services.CreateTakeRequest{
		ShotID:           c.Params("shotId"),
		ProjectID:        req.ProjectID,
		NodeID:           req.NodeID,
		GenerationParams: req.GenerationParams,
		Quality:          req.Quality,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(CreateTakeResponse{
		TakeID: result.TakeID,
		JobID:  result.JobID,
	})
}

func (h *APIHandlers) GetTake(c fiber.Ctx) error {
	take, err := h.takes.GetTake(c.Context(), c.Params("shotId"), c.Params("takeId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(take)
}

func (h *APIHandlers) SetActiveTake(c fiber.Ctx) error {
	var req SetActiveTakeRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	take, err := h.takes.SetActiveTake(c.Context(), c.Params("shotId"), req.TakeID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(take)
}

func (h *APIHandlers) DeleteTake(c fiber.Ctx) error {
	result, err := h.takes.DeleteTake(c.Context(), c.Params("shotId"), c.Params("takeId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DeleteTakeResponse{
		ActiveTakeID:  result.ActiveTakeID,
		ActiveChanged: result.ActiveChanged,
	})
}

func (h *APIHandlers) ExportTake(c fiber.Ctx) error {
	var req ExportTakeRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.takes.ExportTake(c.Context(), c.Params("shotId"), c.Params("takeId"), req.options())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// GetTakeFile streams the artifact of a complete take.
func (h *APIHandlers) GetTakeFile(c fiber.Ctx) error {
	take, body, err := h.takes.OpenArtifact(c.Context(), c.Params("shotId"), c.Params("takeId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Type(path.Ext(take.FilePath))

	return c.Send(body)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "storyflow API is healthy"
	repository := "ok"
	httpStatus := http.StatusOK

	if err := h.health.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "storyflow API is unhealthy"
		repository = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}
