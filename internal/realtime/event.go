package realtime

import (
	"time"

	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventAnnotationCreated EventType = "annotation:created"
	EventAnnotationUpdated EventType = "annotation:updated"
	EventAnnotationDeleted EventType = "annotation:deleted"
	EventReplyCreated      EventType = "reply:created"
	EventCursorMoved       EventType = "cursor:moved"
	EventMemberJoined      EventType = "member:joined"
	EventMemberLeft        EventType = "member:left"
)

// Cursor carries one user's pointer position.
type Cursor struct {
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// Member identifies a roster participant in membership events.
type Member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Event is the single tagged envelope flowing over both asset channels.
// Exactly one of the payload pointers is set, matching Type.
type Event struct {
	Type         EventType               `json:"type"`
	AssetID      string                  `json:"assetId"`
	AnnotationID string                  `json:"annotationId,omitempty"`
	Annotation   *annotations.Annotation `json:"annotation,omitempty"`
	Reply        *annotations.Reply      `json:"reply,omitempty"`
	Cursor       *Cursor                 `json:"cursor,omitempty"`
	Member       *Member                 `json:"member,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// IsMutation reports whether the event belongs on the mutation channel.
func (e Event) IsMutation() bool {
	switch e.Type {
	case EventAnnotationCreated, EventAnnotationUpdated, EventAnnotationDeleted, EventReplyCreated:
		return true
	default:
		return false
	}
}
