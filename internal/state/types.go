package state

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Store interface {
	Close() error

	// RecordInfo upserts a task record into the persistent store.
	RecordInfo(t *TaskInfo) (id string, err error)

	// GetInfo retrieves a task record.
	GetInfo(id string) (info *TaskInfo, err error)

	// GetMultiInfo retrieves multiple task records.
	GetMultiInfo(ids ...string) (info []*TaskInfo, err error)

	// DeleteInfo removes a task record.
	// It returns true if the record existed and was deleted.
	DeleteInfo(id string) (ok bool, err error)

	// ListInfo pages through task records.
	ListInfo(skip uint64, limit uint64) (info []TaskInfo, err error)

	// ListInfoByStatus pages through task records in the given status.
	ListInfoByStatus(status TaskStatus, skip uint64, limit uint64) (info []TaskInfo, err error)

	// ListInfoByQueue pages through task records routed to the named
	// queue.
	ListInfoByQueue(queue string, skip uint64, limit uint64) (info []TaskInfo, err error)

	// UpdateInfo updates a task record atomically. The update callback
	// returns false to abort without writing.
	// It returns true if the record exists.
	UpdateInfo(id string, upd func(*TaskInfo) bool) (ok bool, err error)

	// UpdateMultiInfo updates multiple task records in one transaction.
	UpdateMultiInfo(ids []string, upd func(*TaskInfo) bool) (updated []string, err error)

	// RegisterQueue inserts a queue record. Registering a name that
	// already exists returns the existing id and updates its priority.
	RegisterQueue(q *QueueInfo) (id string, err error)

	// GetQueueByName retrieves a queue record by name.
	GetQueueByName(name string) (info *QueueInfo, err error)

	// ListQueues retrieves queue records, oldest first.
	ListQueues(skip, limit uint64) (info []QueueInfo, err error)
}

type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusSucceeded    TaskStatus = "succeeded"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
	TaskStatusCanceled     TaskStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions
// short of manual operator replay.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusDeadLettered, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

type TaskInfo struct {
	ID        string
	Type      string
	QueueName string
	Priority  int
	MessageId uint64

	Payload     map[string]any
	MaxAttempts int
	Timeout     time.Duration
	Status      TaskStatus

	AttemptCount int
	LastError    string
	Result       map[string]any
	NextRetryAt  time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

func NewTaskInfo(taskType string, queueName string, priority int, maxAttempts int, timeout time.Duration, payload map[string]any) *TaskInfo {
	now := time.Now()
	return &TaskInfo{
		Type:         taskType,
		QueueName:    queueName,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		Timeout:      timeout,
		Payload:      payload,
		Status:       TaskStatusPending,
		AttemptCount: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func EncodeInfo(t *TaskInfo) ([]byte, error) {
	return json.Marshal(t)
}

func DecodeInfo(data []byte) (*TaskInfo, error) {
	t := &TaskInfo{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

type QueueInfo struct {
	ID           string
	RegisteredAt time.Time

	Name     string
	Priority int
}

func NewQueueInfo(name string, priority int) *QueueInfo {
	return &QueueInfo{
		RegisteredAt: time.Now(),
		Name:         name,
		Priority:     priority,
	}
}

func EncodeQueue(q *QueueInfo) ([]byte, error) {
	return json.Marshal(q)
}

func DecodeQueue(data []byte) (*QueueInfo, error) {
	q := &QueueInfo{}
	if err := json.Unmarshal(data, q); err != nil {
		return nil, err
	}
	return q, nil
}

var (
	BucketTaskInfo  = ns("task_info")
	BucketQueueInfo = ns("queue_info")
)

func ns(name string) string {
	return "dispatch:" + name
}

// TaskInfoKey builds the key of a single task record.
func TaskInfoKey(uuid string) string {
	return ns("task:" + uuid)
}

// QueueKey builds the key of a queue record by id.
func QueueKey(id uint64) string {
	return ns("queue_id:" + strconv.FormatUint(id, 10))
}

// QueueKeyByName builds the name index key of a queue record.
func QueueKeyByName(name string) string {
	return ns("queue_name:" + name)
}

// isQueueNameKey reports whether k is a name index entry rather than a
// queue record, so list cursors can skip it.
func isQueueNameKey(k []byte) bool {
	return strings.HasPrefix(string(k), ns("queue_name:"))
}
