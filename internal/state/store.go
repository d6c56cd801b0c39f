package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	errs "github.com/toolboxai/dispatch/internal/errors"
	"go.etcd.io/bbolt"
)

type store struct {
	mu sync.RWMutex

	logger *slog.Logger
	db     *bbolt.DB
	opts   *StoreOpts
}

type StoreOpts struct {
	Path   string
	Logger *slog.Logger
}

func NewStore(opts *StoreOpts) (Store, error) {
	o := defaultOpts(opts)
	str := &store{
		opts:   o,
		logger: o.Logger,
	}
	return str, str.init()
}

func defaultOpts(o *StoreOpts) *StoreOpts {
	def := &StoreOpts{
		Path:   "state.db",
		Logger: slog.Default(),
	}
	if o == nil {
		return def
	}
	if len(o.Path) > 0 {
		def.Path = o.Path
	}
	if o.Logger != nil {
		def.Logger = o.Logger
	}

	return def
}

func (s *store) init() error {
	db, err := bbolt.Open(s.opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second * 1,
	})
	if err != nil {
		return err
	}
	s.db = db

	return nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.db = nil
	return nil
}

func (s *store) handle() (*bbolt.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		return nil, fmt.Errorf("store is %w", errs.ErrShutdown)
	}

	return db, nil
}

func bytes(str string) []byte {
	return []byte(str)
}

func (s *store) RecordInfo(t *TaskInfo) (id string, err error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}

	tx := func(tx *bbolt.Tx) error {
		id, err = s.recordInfo(tx, t)
		return err
	}

	if err := db.Update(tx); err != nil {
		return "", err
	}

	return id, nil
}

func (s *store) recordInfo(tx *bbolt.Tx, t *TaskInfo) (id string, err error) {
	bucket, err := tx.CreateBucketIfNotExists(bytes(BucketTaskInfo))
	if err != nil {
		return "", fmt.Errorf("failed to initialize task info bucket: %w", err)
	}

	if len(t.ID) > 0 {
		id = t.ID
	} else {
		id = uuid.NewString()
		t.ID = id
	}

	t.UpdatedAt = time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	enc, err := EncodeInfo(t)
	if err != nil {
		return "", err
	}

	if err := bucket.Put(bytes(TaskInfoKey(id)), enc); err != nil {
		return "", fmt.Errorf("failed to save task info: %w", err)
	}

	return id, nil
}

func (s *store) GetInfo(id string) (info *TaskInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	err = db.View(func(tx *bbolt.Tx) error {
		info, err = s.getInfo(tx, id)
		return err
	})

	return info, err
}

func (s *store) getInfo(tx *bbolt.Tx, id string) (*TaskInfo, error) {
	bucket := tx.Bucket(bytes(BucketTaskInfo))
	if bucket == nil {
		return nil, errs.NewErrNotFound("task")
	}

	data := bucket.Get(bytes(TaskInfoKey(id)))
	if data == nil {
		return nil, errs.NewErrNotFound("task")
	}

	return DecodeInfo(data)
}

func (s *store) GetMultiInfo(ids ...string) (info []*TaskInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	tx := func(tx *bbolt.Tx) error {
		info, err = s.getMultiInfo(tx, ids...)
		return err
	}

	err = db.View(tx)

	return info, err
}

func (s *store) getMultiInfo(tx *bbolt.Tx, ids ...string) ([]*TaskInfo, error) {
	infos := make([]*TaskInfo, 0, len(ids))

	bucket := tx.Bucket(bytes(BucketTaskInfo))
	if bucket == nil {
		return nil, nil
	}

	for _, id := range ids {
		data := bucket.Get(bytes(TaskInfoKey(id)))
		if data == nil {
			return nil, errs.NewErrNotFound("task")
		}

		info, err := DecodeInfo(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode task info: %w", err)
		}

		infos = append(infos, info)
	}

	return infos, nil
}

func (s *store) DeleteInfo(id string) (ok bool, err error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		ok, err = s.deleteInfo(tx, id)
		return err
	})

	return ok, err
}

func (s *store) deleteInfo(tx *bbolt.Tx, id string) (ok bool, err error) {
	bucket := tx.Bucket(bytes(BucketTaskInfo))
	if bucket == nil {
		return false, nil
	}

	key := TaskInfoKey(id)
	if bucket.Get(bytes(key)) == nil {
		return false, nil
	}

	if err := bucket.Delete(bytes(key)); err != nil {
		return false, fmt.Errorf("failed to delete task info: %w", err)
	}

	return true, nil
}

func (s *store) ListInfo(skip uint64, limit uint64) (info []TaskInfo, err error) {
	return s.listFiltered(skip, limit, nil)
}

func (s *store) ListInfoByStatus(status TaskStatus, skip uint64, limit uint64) (info []TaskInfo, err error) {
	filter := func(t *TaskInfo) bool {
		return t.Status == status
	}
	return s.listFiltered(skip, limit, filter)
}

func (s *store) ListInfoByQueue(queue string, skip uint64, limit uint64) (info []TaskInfo, err error) {
	filter := func(t *TaskInfo) bool {
		return t.QueueName == queue
	}
	return s.listFiltered(skip, limit, filter)
}

func (s *store) listFiltered(skip uint64, limit uint64, filter func(*TaskInfo) bool) (info []TaskInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bytes(BucketTaskInfo))
		if bucket == nil {
			return nil
		}

		if limit == 0 {
			return nil
		}

		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			t, err := DecodeInfo(v)
			if err != nil {
				return fmt.Errorf("failed to decode task info: %w", err)
			}

			if filter != nil && !filter(t) {
				continue
			}

			if skip > 0 {
				skip -= 1
				continue
			}

			info = append(info, *t)

			limit -= 1
			if limit == 0 {
				break
			}
		}

		return nil
	})

	return info, err
}

func (s *store) UpdateInfo(id string, upd func(*TaskInfo) bool) (ok bool, err error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	tx := func(tx *bbolt.Tx) error {
		ok, err = s.updateInfo(tx, id, upd)
		return err
	}

	err = db.Update(tx)
	if err != nil {
		return false, err
	}

	return
}

func (s *store) updateInfo(tx *bbolt.Tx, id string, upd func(*TaskInfo) bool) (ok bool, err error) {
	bucket := tx.Bucket(bytes(BucketTaskInfo))
	if bucket == nil {
		return false, nil
	}

	key := TaskInfoKey(id)
	dat := bucket.Get(bytes(key))
	if dat == nil {
		return false, nil
	}

	t, err := DecodeInfo(dat)
	if err != nil {
		return false, fmt.Errorf("failed to decode task info: %w", err)
	}

	if updated := upd(t); !updated {
		// aborted
		return true, nil
	}

	t.UpdatedAt = time.Now()

	enc, err := EncodeInfo(t)
	if err != nil {
		return false, err
	}

	if err := bucket.Put(bytes(key), enc); err != nil {
		return false, fmt.Errorf("failed to save task info: %w", err)
	}

	return true, nil
}

func (s *store) UpdateMultiInfo(ids []string, upd func(*TaskInfo) bool) (updated []string, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	tx := func(tx *bbolt.Tx) error {
		updated = make([]string, 0, len(ids))

		for _, id := range ids {
			ok, err := s.updateInfo(tx, id, upd)
			if err != nil {
				return err
			}
			if ok {
				updated = append(updated, id)
			}
		}

		return nil
	}

	err = db.Update(tx)
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *store) RegisterQueue(q *QueueInfo) (id string, err error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}

	tx := func(tx *bbolt.Tx) error {
		id, err = s.registerQueue(tx, q)
		return err
	}

	err = db.Update(tx)
	if err != nil {
		return "", err
	}

	return id, nil
}

func (s *store) registerQueue(tx *bbolt.Tx, q *QueueInfo) (id string, err error) {
	bucket, err := tx.CreateBucketIfNotExists(bytes(BucketQueueInfo))
	if err != nil {
		return "", fmt.Errorf("failed to create queue info bucket: %w", err)
	}

	nameKey := QueueKeyByName(q.Name)

	// reregistering an existing queue only refreshes its priority
	if existingId := bucket.Get(bytes(nameKey)); existingId != nil {
		raw := bucket.Get(existingId)
		if raw == nil {
			return "", errs.NewErrNotFound("queue")
		}

		existing, err := DecodeQueue(raw)
		if err != nil {
			return "", fmt.Errorf("failed to decode queue: %w", err)
		}

		existing.Priority = q.Priority
		data, err := EncodeQueue(existing)
		if err != nil {
			return "", fmt.Errorf("failed to encode queue: %w", err)
		}

		if err := bucket.Put(existingId, data); err != nil {
			return "", fmt.Errorf("failed to save queue info: %w", err)
		}

		q.ID = existing.ID
		return existing.ID, nil
	}

	inc, err := bucket.NextSequence()
	if err != nil {
		return "", err
	}

	id = QueueKey(inc)
	q.ID = id

	data, err := EncodeQueue(q)
	if err != nil {
		return "", fmt.Errorf("failed to encode queue: %w", err)
	}

	if err := bucket.Put(bytes(id), data); err != nil {
		return "", fmt.Errorf("failed to save queue info: %w", err)
	}

	if err := bucket.Put(bytes(nameKey), bytes(id)); err != nil {
		return "", fmt.Errorf("failed to save queue name index: %w", err)
	}

	return id, nil
}

func (s *store) GetQueueByName(name string) (info *QueueInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	tx := func(tx *bbolt.Tx) error {
		info, err = s.getQueueByName(tx, name)
		return err
	}

	err = db.View(tx)
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (s *store) getQueueByName(tx *bbolt.Tx, name string) (info *QueueInfo, err error) {
	bucket := tx.Bucket(bytes(BucketQueueInfo))
	if bucket == nil {
		return nil, errs.NewErrNotFound("queue")
	}

	id := bucket.Get(bytes(QueueKeyByName(name)))
	if id == nil {
		return nil, errs.NewErrNotFound("queue")
	}

	dat := bucket.Get(id)
	if dat == nil {
		return nil, errs.NewErrNotFound("queue")
	}

	return DecodeQueue(dat)
}

func (s *store) ListQueues(skip uint64, limit uint64) (info []QueueInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	tx := func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bytes(BucketQueueInfo))
		if bucket == nil {
			return nil
		}

		if limit == 0 {
			return nil
		}

		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if isQueueNameKey(k) {
				continue
			}

			if skip > 0 {
				skip -= 1
				continue
			}

			q, err := DecodeQueue(v)
			if err != nil {
				return fmt.Errorf("failed to decode queue: %w", err)
			}

			info = append(info, *q)

			limit -= 1
			if limit == 0 {
				break
			}
		}

		return nil
	}

	err = db.View(tx)
	if err != nil {
		return nil, err
	}

	return info, nil
}
