package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/toolboxai/dispatch/internal/broker"
	"github.com/toolboxai/dispatch/pkg/api"
)

func submitTask(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		var req api.SubmitTaskRequest

		if err := decode(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := rt.validate.Struct(&req); err != nil {
			writeError(w, err)
			return
		}

		task := broker.Task{
			Type:        req.TaskType,
			Payload:     req.Payload,
			Priority:    req.Priority,
			MaxAttempts: req.MaxAttempts,
		}

		if req.Timeout > 0 {
			task.Timeout = time.Duration(req.Timeout)
		}

		id, err := rt.br.Submit(&task)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := api.SubmitTaskResponse{
			TaskId: id,
			Status: "submitted",
		}

		if err := encodeStatus(w, http.StatusCreated, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to encode response")
		}
	}

	sm.Post("/api/v1/tasks/submit", handler)
}
