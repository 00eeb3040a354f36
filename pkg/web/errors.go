package web

import (
	"errors"

	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/dukex/storyflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

// serviceCode returns the code carried by a ServiceError, or fallback.
func serviceCode(err error, fallback string) string {
	var serviceErr *services.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	return fallback
}

// handleServiceError maps take registry and hub errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return problem(c, fiber.StatusBadRequest, serviceCode(err, "validation_error"), err.Error())

	case persistence.IsTakeNotFound(err):
		return problem(c, fiber.StatusNotFound, "take_not_found", "take not found")

	case services.IsNotFoundError(err):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())

	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, services.ErrExportDisabled):
		return problem(c, fiber.StatusServiceUnavailable, "export_disabled", "export is not configured")

	case errors.Is(err, hub.ErrHubClosed):
		return problem(c, fiber.StatusServiceUnavailable, "unavailable", "sync hub is shutting down")

	default:
		p := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType(serviceCode(err, "internal_error")).
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(p)
	}
}
