package canvas

import (
	"errors"
	"fmt"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidNode = errors.New("invalid node")
	ErrInvalidEdge = errors.New("invalid edge")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateNode checks the node identity and its typed data payload.
func ValidateNode(node models.Node) error {
	if node.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidNode)
	}

	if node.Type == "" {
		return fmt.Errorf("%w: node %s has no type", ErrInvalidNode, node.ID)
	}

	if !models.IsTypedNode(node.Type) {
		return nil
	}

	if node.Data == nil {
		return fmt.Errorf("%w: node %s has no data", ErrInvalidNode, node.ID)
	}

	if node.Data.NodeType() != node.Type {
		return fmt.Errorf("%w: node %s of type %s carries %s data", ErrInvalidNode, node.ID, node.Type, node.Data.NodeType())
	}

	err := validate.Struct(node.Data)
	if err != nil {
		return fmt.Errorf("%w: node %s: %w", ErrInvalidNode, node.ID, err)
	}

	return nil
}

// ValidateNodeIn validates node and its parent reference against g.
func ValidateNodeIn(g models.Graph, node models.Node) error {
	err := ValidateNode(node)
	if err != nil {
		return err
	}

	if node.ParentID == "" {
		return nil
	}

	if node.ParentID == node.ID {
		return fmt.Errorf("%w: node %s cannot be its own parent", ErrInvalidNode, node.ID)
	}

	parent, ok := g.Node(node.ParentID)
	if !ok {
		return fmt.Errorf("%w: parent %s of node %s not found", ErrInvalidNode, node.ParentID, node.ID)
	}

	if parent.Type != models.NodeTypeGroup {
		return fmt.Errorf("%w: parent %s of node %s is not a group", ErrInvalidNode, parent.ID, node.ID)
	}

	return nil
}

// ValidateEdge checks that edge connects two distinct, connectable nodes of g.
func ValidateEdge(g models.Graph, edge models.Edge) error {
	if edge.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEdge)
	}

	if edge.Source == edge.Target {
		return fmt.Errorf("%w: edge %s connects node %s to itself", ErrInvalidEdge, edge.ID, edge.Source)
	}

	for _, endpoint := range []string{edge.Source, edge.Target} {
		node, ok := g.Node(endpoint)
		if !ok {
			return fmt.Errorf("%w: edge %s references missing node %q", ErrInvalidEdge, edge.ID, endpoint)
		}

		if node.Type == models.NodeTypeGroup {
			return fmt.Errorf("%w: edge %s cannot connect group node %s", ErrInvalidEdge, edge.ID, endpoint)
		}
	}

	return nil
}
