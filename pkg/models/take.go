package models

import "time"

// TakeStatus is the lifecycle state of a take.
type TakeStatus string

const (
	TakeStatusGenerating TakeStatus = "generating" // Job dispatched, no artifact yet
	TakeStatusComplete   TakeStatus = "complete"   // Artifact written, immutable
	TakeStatusFailed     TakeStatus = "failed"     // Job reported an error
)

// Quality tiers accepted by the generation pipeline.
const (
	QualityDraft    = "draft"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// Resources describes what a take was generated with.
type Resources struct {
	Quality string `json:"quality" validate:"required,oneof=draft standard high"`
}

// Take is one generated artifact of a shot. Once complete, FilePath and
// FileSize never change.
type Take struct {
	ID               string         `json:"id"`
	ShotID           string         `json:"shot_id"`
	ProjectID        string         `json:"project_id,omitempty"`
	NodeID           string         `json:"node_id,omitempty"`
	Sequence         int64          `json:"sequence"` // Per-shot creation order, never reused
	JobID            string         `json:"job_id,omitempty"`
	FilePath         string         `json:"file_path"`
	ThumbnailPath    string         `json:"thumbnail_path,omitempty"`
	Status           TakeStatus     `json:"status"`
	Created          time.Time      `json:"created"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	FileSize         *int64         `json:"file_size,omitempty"`
	GenerationParams map[string]any `json:"generation_params"`
	Resources        Resources      `json:"resources"`
	Error            string         `json:"error,omitempty"`
}

func (t *Take) IsComplete() bool {
	return t.Status == TakeStatusComplete
}

func (t *Take) IsFinal() bool {
	return t.Status == TakeStatusComplete || t.Status == TakeStatusFailed
}
