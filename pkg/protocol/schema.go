package protocol

import (
	"fmt"
	"strings"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

const minZoom = 0.01

func str(minLength int) *models.Property {
	return &models.Property{Type: "string", MinLength: &minLength}
}

func number() *models.Property {
	return &models.Property{Type: "number"}
}

func object(required []string, properties map[string]*models.Property) *models.Property {
	return &models.Property{Type: "object", Required: required, Properties: properties}
}

func ptr[T any](v T) *T {
	return &v
}

var (
	positionProperty = object([]string{"x", "y"}, map[string]*models.Property{
		"x": number(),
		"y": number(),
	})

	nodeProperty = object([]string{"id", "type", "position"}, map[string]*models.Property{
		"id":       str(1),
		"type":     str(1),
		"position": positionProperty,
		"data":     {Type: []string{"object", "null"}},
		"parentId": {Type: "string"},
		"selected": {Type: "boolean"},
		"dragging": {Type: "boolean"},
	})

	edgeProperty = object([]string{"id", "source", "target"}, map[string]*models.Property{
		"id":     str(1),
		"source": str(1),
		"target": str(1),
		"type":   {Type: "string"},
		"data":   {Type: []string{"object", "null"}},
	})

	viewportProperty = object([]string{"x", "y", "zoom"}, map[string]*models.Property{
		"x":    number(),
		"y":    number(),
		"zoom": {Type: "number", Minimum: ptr(minZoom)},
	})
)

// clientSchemas describes the payload of every message a client may send.
var clientSchemas = map[MessageType]*models.JSONSchema{
	ClientUpdateNodeData: {
		Type:     "object",
		Title:    "Update node data",
		Required: []string{"node_id", "data"},
		Properties: map[string]*models.Property{
			"node_id": str(1),
			"data":    {Type: "object"},
		},
	},
	ClientUpsertNode: {
		Type:       "object",
		Title:      "Upsert node",
		Required:   []string{"node"},
		Properties: map[string]*models.Property{"node": nodeProperty},
	},
	ClientRemoveNode: {
		Type:       "object",
		Title:      "Remove node",
		Required:   []string{"node_id"},
		Properties: map[string]*models.Property{"node_id": str(1)},
	},
	ClientUpsertEdge: {
		Type:       "object",
		Title:      "Upsert edge",
		Required:   []string{"edge"},
		Properties: map[string]*models.Property{"edge": edgeProperty},
	},
	ClientRemoveEdge: {
		Type:       "object",
		Title:      "Remove edge",
		Required:   []string{"edge_id"},
		Properties: map[string]*models.Property{"edge_id": str(1)},
	},
	ClientSetViewport: {
		Type:       "object",
		Title:      "Set viewport",
		Required:   []string{"viewport"},
		Properties: map[string]*models.Property{"viewport": viewportProperty},
	},
	ClientCursor: {
		Type:     "object",
		Title:    "Cursor",
		Required: []string{"x", "y"},
		Properties: map[string]*models.Property{
			"x": number(),
			"y": number(),
		},
	},
	ClientStartGeneration: {
		Type:     "object",
		Title:    "Start generation",
		Required: []string{"node_id"},
		Properties: map[string]*models.Property{
			"node_id": str(1),
			"params":  {Type: []string{"object", "null"}},
			"quality": {
				Type: "string",
				Enum: []any{models.QualityDraft, models.QualityStandard, models.QualityHigh},
			},
		},
	},
	ClientSyncRequest: {
		Type:  "object",
		Title: "Sync request",
	},
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[MessageType]*gojsonschema.Schema {
	compiled := make(map[MessageType]*gojsonschema.Schema, len(clientSchemas))

	for messageType, schema := range clientSchemas {
		loaded, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			panic(fmt.Sprintf("invalid schema for %s: %v", messageType, err))
		}

		compiled[messageType] = loaded
	}

	return compiled
}

// ClientSchema returns the payload schema of a client message type.
func ClientSchema(t MessageType) (*models.JSONSchema, bool) {
	schema, ok := clientSchemas[t]

	return schema, ok
}

// ValidateClientPayload checks payload against the schema registered for t.
func ValidateClientPayload(t MessageType, payload []byte) error {
	schema, ok := compiledSchemas[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, t, err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, t, strings.Join(errors, "; "))
	}

	return nil
}
