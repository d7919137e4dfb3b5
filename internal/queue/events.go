package queue

import (
	"time"

	"github.com/veza-dj/control-plane/internal/model"
)

// EventType names a Queue Engine lifecycle transition.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventRetry      EventType = "retry"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// Event is broadcast on every job state transition. Interested components
// (currently only logging and the lifecycle audit log) receive it over
// Engine.Events().
type Event struct {
	Type      EventType
	Job       *model.AnalysisJob
	Err       error
	Timestamp time.Time
}
