package server

import (
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/internal/utils"
	"github.com/toolboxai/dispatch/pkg/api"
)

func listDeadLetter(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.ListDeadLetterRequest)

		skip, limit := utils.ToSkipAndLimit(req.Page, req.Size)

		tasks, err := rt.st.ListInfoByStatus(state.TaskStatusDeadLettered, skip, limit)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := api.ListDeadLetterResponse{
			Tasks: make([]api.TaskInfo, 0, len(tasks)),
		}

		for _, ti := range tasks {
			task, err := rt.br.Get(ti.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			resp.Tasks = append(resp.Tasks, toTaskInfo(task))
		}

		if err := encode(w, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to encode response")
		}
	}

	sm.
		With(httpin.NewInput(api.ListDeadLetterRequest{})).
		Get("/api/v1/deadletter", handler)
}

func replayDeadLetter(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.ReplayDeadLetterRequest)

		rt.logger.
			With("task_id", req.TaskId).
			Info("replaying dead-lettered task")

		if err := rt.br.Replay(req.TaskId); err != nil {
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusOK)
	}

	sm.
		With(httpin.NewInput(api.ReplayDeadLetterRequest{})).
		Post("/api/v1/deadletter/{taskId}/replay", handler)
}

func discardDeadLetter(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.DiscardDeadLetterRequest)

		rt.logger.
			With("task_id", req.TaskId).
			Info("discarding dead-lettered task")

		if err := rt.br.DiscardDeadLetter(req.TaskId); err != nil {
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}

	sm.
		With(httpin.NewInput(api.DiscardDeadLetterRequest{})).
		Delete("/api/v1/deadletter/{taskId}", handler)
}
