package models

import (
	"encoding/json"
	"fmt"

	"dario.cat/mergo"
)

// Built-in node types.
const (
	NodeTypeShot      = "shot"
	NodeTypeScene     = "scene"
	NodeTypeCharacter = "character"
	NodeTypePrompt    = "prompt"
	NodeTypeGroup     = "group"
)

// NodeData is the typed payload of a node, keyed by the node type.
type NodeData interface {
	NodeType() string
}

// ShotStatus mirrors the generation state of the shot's latest take.
type ShotStatus string

const (
	ShotStatusIdle       ShotStatus = "idle"
	ShotStatusGenerating ShotStatus = "generating"
	ShotStatusComplete   ShotStatus = "complete"
	ShotStatusFailed     ShotStatus = "failed"
)

type ShotData struct {
	Title           string     `json:"title,omitempty"           validate:"max=200"`
	Prompt          string     `json:"prompt,omitempty"          validate:"max=4000"`
	DurationSeconds float64    `json:"duration_seconds,omitempty" validate:"gte=0,lte=600"`
	ShotID          string     `json:"shot_id,omitempty"         validate:"omitempty,max=128"`
	ActiveTakeID    string     `json:"active_take_id,omitempty"`
	LatestTakeID    string     `json:"latest_take_id,omitempty"`
	Status          ShotStatus `json:"status,omitempty"          validate:"omitempty,oneof=idle generating complete failed"`
	Progress        int        `json:"progress,omitempty"        validate:"gte=0,lte=100"`
	Error           string     `json:"error,omitempty"`
}

func (ShotData) NodeType() string { return NodeTypeShot }

// ShotKey returns the take registry key of a shot node.
func (d ShotData) ShotKey(nodeID string) string {
	if d.ShotID != "" {
		return d.ShotID
	}

	return nodeID
}

type SceneData struct {
	Title       string `json:"title,omitempty"       validate:"max=200"`
	Description string `json:"description,omitempty" validate:"max=4000"`
	Order       int    `json:"order,omitempty"       validate:"gte=0"`
}

func (SceneData) NodeType() string { return NodeTypeScene }

type CharacterData struct {
	Name           string `json:"name,omitempty"            validate:"max=200"`
	Description    string `json:"description,omitempty"     validate:"max=4000"`
	ReferenceImage string `json:"reference_image,omitempty" validate:"omitempty,uri"`
}

func (CharacterData) NodeType() string { return NodeTypeCharacter }

type PromptData struct {
	Text         string `json:"text,omitempty"          validate:"max=8000"`
	NegativeText string `json:"negative_text,omitempty" validate:"max=8000"`
}

func (PromptData) NodeType() string { return NodeTypePrompt }

type GroupData struct {
	Label string `json:"label,omitempty" validate:"max=200"`
	Color string `json:"color,omitempty" validate:"omitempty,hexcolor"`
}

func (GroupData) NodeType() string { return NodeTypeGroup }

// GenericData holds the payload of node types without a typed schema.
type GenericData map[string]any

func (GenericData) NodeType() string { return "" }

var nodeDataDecoders = map[string]func([]byte) (NodeData, error){
	NodeTypeShot:      decodeInto[ShotData],
	NodeTypeScene:     decodeInto[SceneData],
	NodeTypeCharacter: decodeInto[CharacterData],
	NodeTypePrompt:    decodeInto[PromptData],
	NodeTypeGroup:     decodeInto[GroupData],
}

func decodeInto[T NodeData](raw []byte) (NodeData, error) {
	var data T

	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}

	err := json.Unmarshal(raw, &data)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// IsTypedNode reports whether nodeType has a typed payload.
func IsTypedNode(nodeType string) bool {
	_, ok := nodeDataDecoders[nodeType]

	return ok
}

// DecodeNodeData decodes raw into the payload type registered for nodeType.
func DecodeNodeData(nodeType string, raw []byte) (NodeData, error) {
	decode, ok := nodeDataDecoders[nodeType]
	if ok {
		data, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s data: %w", nodeType, err)
		}

		return data, nil
	}

	generic := GenericData{}
	if len(raw) == 0 || string(raw) == "null" {
		return generic, nil
	}

	err := json.Unmarshal(raw, &generic)
	if err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", nodeType, err)
	}

	return generic, nil
}

// NodeDataFields flattens data into its wire fields.
func NodeDataFields(data NodeData) (map[string]any, error) {
	fields := map[string]any{}
	if data == nil {
		return fields, nil
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(body, &fields)
	if err != nil {
		return nil, err
	}

	if fields == nil {
		fields = map[string]any{}
	}

	return fields, nil
}

// MergeNodeData merges patch over current and re-decodes the result for nodeType.
// Nested objects are merged, null values remove the field and every other
// value in patch overrides.
func MergeNodeData(nodeType string, current NodeData, patch map[string]any) (NodeData, error) {
	base, err := NodeDataFields(current)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s data: %w", nodeType, err)
	}

	if len(patch) > 0 {
		err = mergo.Merge(&base, patch, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s data: %w", nodeType, err)
		}
	}

	// A null value clears the field.
	for key, value := range patch {
		if value == nil {
			delete(base, key)
		}
	}

	body, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s data: %w", nodeType, err)
	}

	return DecodeNodeData(nodeType, body)
}
