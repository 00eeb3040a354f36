package models

// Cursor is a collaborator's pointer position on the canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CollaborationSession is the presence record of one connected client.
type CollaborationSession struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"   validate:"required,max=128"`
	UserName  string  `json:"user_name" validate:"max=128"`
	Color     string  `json:"color"     validate:"omitempty,hexcolor"`
	Cursor    *Cursor `json:"cursor,omitempty"`
}
