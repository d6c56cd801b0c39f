package broker

import (
	"time"

	"github.com/toolboxai/dispatch/internal/state"
)

// Task is the broker's view of one unit of work.
type Task struct {
	ID    string
	Type  string
	Queue string

	Priority     int
	Payload      map[string]any
	Timeout      time.Duration
	MaxAttempts  int
	AttemptCount int
	Status       state.TaskStatus
	LastError    string
	Result       map[string]any

	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	NextRetryAt time.Time
}

// MessageMetadata is the payload the broker stores inside queue
// messages; everything else about the task lives in the state store.
type MessageMetadata struct {
	TaskID string
}

func fromInfo(ti *state.TaskInfo) *Task {
	return &Task{
		ID:           ti.ID,
		Type:         ti.Type,
		Queue:        ti.QueueName,
		Priority:     ti.Priority,
		Payload:      ti.Payload,
		Timeout:      ti.Timeout,
		MaxAttempts:  ti.MaxAttempts,
		AttemptCount: ti.AttemptCount,
		Status:       ti.Status,
		LastError:    ti.LastError,
		Result:       ti.Result,
		SubmittedAt:  ti.CreatedAt,
		StartedAt:    ti.StartedAt,
		CompletedAt:  ti.CompletedAt,
		NextRetryAt:  ti.NextRetryAt,
	}
}
