package state_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/state"
)

func newTestStore(t *testing.T) state.Store {
	t.Helper()

	s, err := state.NewStore(&state.StoreOpts{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	})

	return s
}

func TestRecordAndGetInfo(t *testing.T) {
	s := newTestStore(t)

	ti := state.NewTaskInfo("content.generate", "ai_generation", 8, 3, time.Minute, map[string]any{
		"topic": "fractions",
	})

	id, err := s.RecordInfo(ti)
	if err != nil {
		t.Fatal(err)
	}
	if len(id) == 0 {
		t.Fatal("expected a generated id")
	}

	got, err := s.GetInfo(id)
	if err != nil {
		t.Fatal(err)
	}

	if got.Type != "content.generate" {
		t.Fatalf("unexpected type: %s", got.Type)
	}
	if got.QueueName != "ai_generation" {
		t.Fatalf("unexpected queue: %s", got.QueueName)
	}
	if got.Status != state.TaskStatusPending {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.Payload["topic"] != "fractions" {
		t.Fatalf("unexpected payload: %v", got.Payload)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.GetInfo("does-not-exist")
		if !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestUpdateInfo(t *testing.T) {
	s := newTestStore(t)

	ti := state.NewTaskInfo("notify.email", "notifications", 4, 3, 0, nil)
	id, err := s.RecordInfo(ti)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateInfo(id, func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusRunning
		t.AttemptCount = 1
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected record to exist")
	}

	got, err := s.GetInfo(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.TaskStatusRunning {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("unexpected attempt count: %d", got.AttemptCount)
	}

	t.Run("aborted update writes nothing", func(t *testing.T) {
		ok, err := s.UpdateInfo(id, func(t *state.TaskInfo) bool {
			t.Status = state.TaskStatusSucceeded
			return false
		})
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("expected record to exist")
		}

		got, err := s.GetInfo(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != state.TaskStatusRunning {
			t.Fatalf("aborted update was written: %s", got.Status)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		ok, err := s.UpdateInfo("does-not-exist", func(t *state.TaskInfo) bool {
			return true
		})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("expected ok=false for missing record")
		}
	})
}

func TestUpdateMultiInfo(t *testing.T) {
	s := newTestStore(t)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.RecordInfo(state.NewTaskInfo("sync.push", "roblox_sync", 6, 3, 0, nil))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	updated, err := s.UpdateMultiInfo(append(ids, "missing"), func(t *state.TaskInfo) bool {
		t.Status = state.TaskStatusPending
		t.NextRetryAt = time.Time{}
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 3 {
		t.Fatalf("expected 3 updated, got %d", len(updated))
	}
}

func TestDeleteInfo(t *testing.T) {
	s := newTestStore(t)

	id, err := s.RecordInfo(state.NewTaskInfo("notify.email", "notifications", 4, 3, 0, nil))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.DeleteInfo(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected record to be deleted")
	}

	ok, err = s.DeleteInfo(id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false on second delete")
	}

	_, err = s.GetInfo(id)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListInfoByStatus(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 4; i++ {
		ti := state.NewTaskInfo("content.generate", "ai_generation", 8, 3, 0, nil)
		if i%2 == 0 {
			ti.Status = state.TaskStatusDeadLettered
		}
		if _, err := s.RecordInfo(ti); err != nil {
			t.Fatal(err)
		}
	}

	dead, err := s.ListInfoByStatus(state.TaskStatusDeadLettered, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 2 {
		t.Fatalf("expected 2 dead-lettered, got %d", len(dead))
	}
	for _, ti := range dead {
		if ti.Status != state.TaskStatusDeadLettered {
			t.Fatalf("unexpected status: %s", ti.Status)
		}
	}

	all, err := s.ListInfo(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}

	t.Run("pagination", func(t *testing.T) {
		page, err := s.ListInfo(2, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 2 {
			t.Fatalf("expected 2 records, got %d", len(page))
		}
	})
}

func TestListInfoByQueue(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.RecordInfo(state.NewTaskInfo("content.generate", "ai_generation", 8, 3, 0, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordInfo(state.NewTaskInfo("notify.email", "notifications", 4, 3, 0, nil)); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListInfoByQueue("ai_generation", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 record, got %d", len(tasks))
	}
	if tasks[0].QueueName != "ai_generation" {
		t.Fatalf("unexpected queue: %s", tasks[0].QueueName)
	}
}

func TestRegisterQueue(t *testing.T) {
	s := newTestStore(t)

	q := state.NewQueueInfo("ai_generation", 8)
	id, err := s.RegisterQueue(q)
	if err != nil {
		t.Fatal(err)
	}
	if len(id) == 0 {
		t.Fatal("expected a queue id")
	}

	got, err := s.GetQueueByName("ai_generation")
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != 8 {
		t.Fatalf("unexpected priority: %d", got.Priority)
	}

	t.Run("reregister refreshes priority", func(t *testing.T) {
		again := state.NewQueueInfo("ai_generation", 9)
		id2, err := s.RegisterQueue(again)
		if err != nil {
			t.Fatal(err)
		}
		if id2 != id {
			t.Fatalf("id changed on reregistration: %s != %s", id2, id)
		}

		got, err := s.GetQueueByName("ai_generation")
		if err != nil {
			t.Fatal(err)
		}
		if got.Priority != 9 {
			t.Fatalf("priority not refreshed: %d", got.Priority)
		}
	})

	t.Run("list skips name index", func(t *testing.T) {
		if _, err := s.RegisterQueue(state.NewQueueInfo("default", 5)); err != nil {
			t.Fatal(err)
		}

		queues, err := s.ListQueues(0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(queues) != 2 {
			t.Fatalf("expected 2 queues, got %d", len(queues))
		}
	})

	t.Run("unknown queue", func(t *testing.T) {
		_, err := s.GetQueueByName("missing")
		if !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreClosed(t *testing.T) {
	s, err := state.NewStore(&state.StoreOpts{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = s.RecordInfo(state.NewTaskInfo("a.b", "default", 5, 3, 0, nil))
	if !errors.Is(err, errs.ErrShutdown) {
		t.Fatalf("expected shutdown error, got %v", err)
	}
}
