package api

import "time"

type QueueInfo struct {
	Id           string    `json:"id"`
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	RegisteredAt time.Time `json:"registered_at"`

	Pending      uint64 `json:"pending"`
	InProgress   uint64 `json:"in_progress"`
	Completed    uint64 `json:"completed"`
	DeadLettered uint64 `json:"dead_lettered"`
}

type ListQueuesRequest struct {
	Page uint64 `in:"query=page"`
	Size uint64 `in:"query=size"`
}

type ListQueuesResponse struct {
	Queues []QueueInfo `json:"queues"`
}

type GetQueueRequest struct {
	Name string `in:"path=name"`
}

type GetQueueResponse QueueInfo

type ListQueueTasksRequest struct {
	Name string `in:"path=name"`
	Page uint64 `in:"query=page"`
	Size uint64 `in:"query=size"`
}

type ListQueueTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}
