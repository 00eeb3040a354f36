// Package events defines the generation and take lifecycle events exchanged
// over the event bus.
package events

import (
	"time"

	"github.com/dukex/storyflow/pkg/models"
)

type EventType string

// Topic carries every storyflow event; consumers filter by type.
const Topic = "storyflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Generation job events.
	GenerationRequestedEvent EventType = "generation.requested"
	GenerationProgressEvent  EventType = "generation.progress"
	GenerationSucceededEvent EventType = "generation.succeeded"
	GenerationFailedEvent    EventType = "generation.failed"

	// Take registry events.
	TakeCreatedEvent       EventType = "take.created"
	TakeCompletedEvent     EventType = "take.completed"
	TakeFailedEvent        EventType = "take.failed"
	TakeDeletedEvent       EventType = "take.deleted"
	ActiveTakeChangedEvent EventType = "take.active_changed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(id string, eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// JobRef identifies the generation job and the take it produces.
type JobRef struct {
	JobID     string `json:"job_id"`
	TakeID    string `json:"take_id"`
	ShotID    string `json:"shot_id"`
	ProjectID string `json:"project_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

type GenerationRequested struct {
	BaseEvent
	JobRef

	ArtifactPath  string         `json:"artifact_path"`
	ThumbnailPath string         `json:"thumbnail_path,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Quality       string         `json:"quality"`
}

func (e GenerationRequested) GetType() EventType {
	return GenerationRequestedEvent
}

type GenerationProgress struct {
	BaseEvent
	JobRef

	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
}

func (e GenerationProgress) GetType() EventType {
	return GenerationProgressEvent
}

type GenerationSucceeded struct {
	BaseEvent
	JobRef

	FilePath      string `json:"file_path"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	FileSize      int64  `json:"file_size"`
}

func (e GenerationSucceeded) GetType() EventType {
	return GenerationSucceededEvent
}

type GenerationFailed struct {
	BaseEvent
	JobRef

	Error string `json:"error"`
}

func (e GenerationFailed) GetType() EventType {
	return GenerationFailedEvent
}

type TakeCreated struct {
	BaseEvent

	Take models.Take `json:"take"`
}

func (e TakeCreated) GetType() EventType {
	return TakeCreatedEvent
}

type TakeCompleted struct {
	BaseEvent

	Take models.Take `json:"take"`
}

func (e TakeCompleted) GetType() EventType {
	return TakeCompletedEvent
}

type TakeFailed struct {
	BaseEvent

	Take models.Take `json:"take"`
}

func (e TakeFailed) GetType() EventType {
	return TakeFailedEvent
}

type TakeDeleted struct {
	BaseEvent

	ShotID    string `json:"shot_id"`
	TakeID    string `json:"take_id"`
	ProjectID string `json:"project_id,omitempty"`
}

func (e TakeDeleted) GetType() EventType {
	return TakeDeletedEvent
}

// ActiveTakeChanged reports a new active take. An empty TakeID means none.
type ActiveTakeChanged struct {
	BaseEvent

	ShotID         string `json:"shot_id"`
	ProjectID      string `json:"project_id,omitempty"`
	NodeID         string `json:"node_id,omitempty"`
	TakeID         string `json:"take_id"`
	PreviousTakeID string `json:"previous_take_id,omitempty"`
}

func (e ActiveTakeChanged) GetType() EventType {
	return ActiveTakeChangedEvent
}
