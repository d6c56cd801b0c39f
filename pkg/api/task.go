package api

import (
	"time"

	"github.com/toolboxai/dispatch/internal/utils"
)

type SubmitTaskRequest struct {
	TaskType    string         `json:"task_type" validate:"required"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority,omitempty" validate:"gte=0,lte=10"`
	MaxAttempts int            `json:"max_attempts,omitempty" validate:"gte=0"`
	Timeout     utils.Duration `json:"timeout,omitempty"`
}

type SubmitTaskResponse struct {
	TaskId string `json:"task_id"`
	Status string `json:"status"`
}

type GetTaskStatusRequest struct {
	TaskId string `in:"path=taskId"`
}

type TaskInfo struct {
	TaskId       string         `json:"task_id"`
	Type         string         `json:"task_type"`
	Queue        string         `json:"queue"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Timeout      utils.Duration `json:"timeout,omitempty"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
}

type GetTaskStatusResponse TaskInfo

type CancelTaskRequest struct {
	TaskId string `in:"path=taskId"`
}

type ListDeadLetterRequest struct {
	Page uint64 `in:"query=page"`
	Size uint64 `in:"query=size"`
}

type ListDeadLetterResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type ReplayDeadLetterRequest struct {
	TaskId string `in:"path=taskId"`
}

type DiscardDeadLetterRequest struct {
	TaskId string `in:"path=taskId"`
}
