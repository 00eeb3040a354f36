// Package web provides HTTP request and response types for the take API.
package web

import (
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/services"
)

// CreateTakeRequest represents the request body for starting a generation.
type CreateTakeRequest struct {
	ProjectID        string         `json:"project_id"        validate:"omitempty,max=128"`
	NodeID           string         `json:"node_id"           validate:"omitempty,max=128"`
	GenerationParams map[string]any `json:"generation_params"`
	Quality          string         `json:"quality"           validate:"omitempty,oneof=draft standard high"`
}

type CreateTakeResponse struct {
	TakeID string `json:"take_id"`
	JobID  string `json:"job_id"`
}

type SetActiveTakeRequest struct {
	TakeID string `json:"take_id" validate:"required"`
}

type TakeListResponse struct {
	Takes        []*models.Take `json:"takes"`
	ActiveTakeID *string        `json:"active_take_id"`
}

type DeleteTakeResponse struct {
	ActiveTakeID  *string `json:"active_take_id"`
	ActiveChanged bool    `json:"active_changed"`
}

// ExportTakeRequest mirrors services.ExportOptions on the wire.
type ExportTakeRequest struct {
	Destination string `json:"destination" validate:"required,max=1024"`
	Mode        string `json:"mode"        validate:"omitempty,oneof=copy link"`
	Overwrite   bool   `json:"overwrite"`
}

func (r ExportTakeRequest) options() services.ExportOptions {
	return services.ExportOptions{
		Destination: r.Destination,
		Mode:        services.ExportMode(r.Mode),
		Overwrite:   r.Overwrite,
	}
}

// NewTakeListResponse never renders a null takes array.
func NewTakeListResponse(list *services.TakeList) TakeListResponse {
	takes := list.Takes
	if takes == nil {
		takes = []*models.Take{}
	}

	return TakeListResponse{Takes: takes, ActiveTakeID: list.ActiveTakeID}
}
