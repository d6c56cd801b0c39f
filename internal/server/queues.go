package server

import (
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/internal/utils"
	"github.com/toolboxai/dispatch/pkg/api"
)

func listQueues(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.ListQueuesRequest)

		skip, limit := utils.ToSkipAndLimit(req.Page, req.Size)

		queues, err := rt.st.ListQueues(skip, limit)
		if err != nil {
			writeError(w, err)
			return
		}

		queuesList := make([]api.QueueInfo, 0, len(queues))
		for _, q := range queues {
			info, err := queueWithCounts(rt, &q)
			if err != nil {
				writeError(w, err)
				return
			}
			queuesList = append(queuesList, info)
		}

		resp := api.ListQueuesResponse{
			Queues: queuesList,
		}

		if err := encode(w, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to encode response")
		}
	}

	sm.
		With(httpin.NewInput(api.ListQueuesRequest{})).
		Get("/api/v1/queues", handler)
}

func getQueue(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.GetQueueRequest)

		q, err := rt.st.GetQueueByName(req.Name)
		if err != nil {
			writeError(w, err)
			return
		}

		info, err := queueWithCounts(rt, q)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := api.GetQueueResponse(info)

		if err := encode(w, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to encode response")
		}
	}

	sm.
		With(httpin.NewInput(api.GetQueueRequest{})).
		Get("/api/v1/queues/{name}", handler)
}

func listQueueTasks(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.ListQueueTasksRequest)

		// 404 for queues that were never registered
		if _, err := rt.st.GetQueueByName(req.Name); err != nil {
			writeError(w, err)
			return
		}

		skip, limit := utils.ToSkipAndLimit(req.Page, req.Size)

		tasks, err := rt.st.ListInfoByQueue(req.Name, skip, limit)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := api.ListQueueTasksResponse{
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
		With(httpin.NewInput(api.ListQueueTasksRequest{})).
		Get("/api/v1/queues/{name}/tasks", handler)
}

func queueWithCounts(rt *runtime, q *state.QueueInfo) (api.QueueInfo, error) {
	info := api.QueueInfo{
		Id:           q.ID,
		Name:         q.Name,
		Priority:     q.Priority,
		RegisteredAt: q.RegisteredAt,
	}

	var err error
	if info.Pending, err = rt.q.Pending(q.Name); err != nil {
		return info, err
	}
	if info.InProgress, err = rt.q.InProgress(q.Name); err != nil {
		return info, err
	}
	if info.Completed, err = rt.q.Completed(q.Name); err != nil {
		return info, err
	}
	if info.DeadLettered, err = rt.q.DeadLettered(q.Name); err != nil {
		return info, err
	}

	return info, nil
}
