package server

import (
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"
	"github.com/toolboxai/dispatch/internal/broker"
	"github.com/toolboxai/dispatch/internal/utils"
	"github.com/toolboxai/dispatch/pkg/api"
)

func getTaskStatus(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.GetTaskStatusRequest)

		task, err := rt.br.Get(req.TaskId)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := api.GetTaskStatusResponse(toTaskInfo(task))

		if err := encode(w, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to encode response")
		}
	}

	sm.
		With(httpin.NewInput(api.GetTaskStatusRequest{})).
		Get("/api/v1/tasks/status/{taskId}", handler)
}

func cancelTask(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.CancelTaskRequest)

		rt.logger.
			With("task_id", req.TaskId).
			Info("canceling task")

		if err := rt.br.Cancel(req.TaskId); err != nil {
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusOK)
	}

	sm.
		With(httpin.NewInput(api.CancelTaskRequest{})).
		Put("/api/v1/tasks/{taskId}/cancel", handler)
}

func toTaskInfo(task *broker.Task) api.TaskInfo {
	info := api.TaskInfo{
		TaskId:       task.ID,
		Type:         task.Type,
		Queue:        task.Queue,
		Priority:     task.Priority,
		Status:       string(task.Status),
		AttemptCount: task.AttemptCount,
		MaxAttempts:  task.MaxAttempts,
		Result:       task.Result,
		Error:        task.LastError,
		Timeout:      utils.Duration(task.Timeout),
		SubmittedAt:  task.SubmittedAt,
	}

	if !task.StartedAt.IsZero() {
		t := task.StartedAt
		info.StartedAt = &t
	}
	if !task.CompletedAt.IsZero() {
		t := task.CompletedAt
		info.CompletedAt = &t
	}
	if !task.NextRetryAt.IsZero() {
		t := task.NextRetryAt
		info.NextRetryAt = &t
	}

	return info
}
