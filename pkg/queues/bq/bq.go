package bq

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/queue"
	"go.etcd.io/bbolt"
)

const (
	// DefaultLeaseDuration is the visibility timeout applied when a
	// dequeue does not specify one.
	DefaultLeaseDuration = time.Minute
)

type bqueue struct {
	mu sync.RWMutex

	logger *slog.Logger
	db     *bbolt.DB
	opts   *Options

	key *keyer
}

type Options struct {
	Logger *slog.Logger
	Path   string
}

func NewQueue(o *Options) (queue.MessageQueue, error) {
	opts := buildOptions(o)
	bq := bqueue{
		logger: opts.Logger,
		opts:   opts,
		key:    &keyer{curUnix: time.Now().UnixNano()},
	}
	if err := bq.init(); err != nil {
		bq.logger.
			With("err", err).
			Error("failed to initialize queue")
		return nil, err
	}
	return &bq, nil
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger: slog.Default(),
		Path:   "dispatch.db",
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if len(opts.Path) > 0 {
		def.Path = opts.Path
	}
	return def
}

func (q *bqueue) init() error {
	db, err := bbolt.Open(q.opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second * 1,
	})
	if err != nil {
		return err
	}
	q.db = db

	return nil
}

func (q *bqueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db == nil {
		return nil
	}

	err := q.db.Close()
	if err != nil {
		return err
	}

	q.db = nil

	return nil
}

func (q *bqueue) handle() (*bbolt.DB, error) {
	q.mu.RLock()
	db := q.db
	q.mu.RUnlock()

	if db == nil {
		return nil, fmt.Errorf("queue is %w", errs.ErrShutdown)
	}

	return db, nil
}

func (q *bqueue) Enqueue(msgs queue.Messages) (ids []uint64, err error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	ids = make([]uint64, 0, len(msgs))

	tx := func(tx *bbolt.Tx) error {
		for _, m := range msgs {
			id, err := q.enqueueSingle(tx, &m)
			if err != nil {
				q.logger.
					With("err", err).
					With("met", "bqueue.Enqueue").
					Error("failed to enqueue message")
				return err
			}
			ids = append(ids, id)
		}
		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return ids, nil
}

func (q *bqueue) enqueueSingle(tx *bbolt.Tx, msg *queue.Message) (id uint64, err error) {
	pendingKey := queue.PendingKey(msg.Queue)

	pending, err := tx.CreateBucketIfNotExists(bytes(pendingKey))
	if err != nil {
		return 0, fmt.Errorf("failed to create pending bucket: %w", err)
	}

	if msg.ID == 0 {
		msg.ID = q.key.Next()
	}

	enc, err := queue.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	msgKey := queue.MessageKey(msg.Queue, msg.ID)

	err = pending.Put(bytes(msgKey), enc)
	if err != nil {
		return 0, fmt.Errorf("failed to put message: %w", err)
	}

	return msg.ID, nil
}

func (q *bqueue) Dequeue(opts *queue.DequeueOpts, name string) (queue.Messages, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	var data queue.Messages

	tx := func(tx *bbolt.Tx) error {
		var err error

		data, err = q.dequeue(tx, name, opts)
		if err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.Dequeue").
				Error("failed to dequeue messages")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return data, nil
}

func (q *bqueue) dequeue(tx *bbolt.Tx, name string, opts *queue.DequeueOpts) (queue.Messages, error) {
	pendingKey := queue.PendingKey(name)
	inProgressKey := queue.InProgressKey(name)
	leaseKey := queue.LeaseKey(name)

	pending, err := tx.CreateBucketIfNotExists(bytes(pendingKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending bucket: %w", err)
	}

	leaseDur := opts.LeaseDuration
	if leaseDur <= 0 {
		leaseDur = DefaultLeaseDuration
	}

	pendingCur := pending.Cursor()
	msgs := make(queue.Messages, 0, opts.Limit)

	type msgData struct {
		raw []byte
		key []byte
	}

	rawData := make(map[uint64]msgData, opts.Limit)
	limit := opts.Limit

	for key, val := pendingCur.First(); key != nil; key, val = pendingCur.Next() {
		limit -= 1

		msg, err := queue.Decode(val)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, *msg)
		rawData[msg.ID] = msgData{
			raw: append([]byte(nil), val...),
			key: append([]byte(nil), key...),
		}

		if limit == 0 {
			break
		}
	}

	inProgress, err := tx.CreateBucketIfNotExists(bytes(inProgressKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-progress bucket: %w", err)
	}

	lease, err := tx.CreateBucketIfNotExists(bytes(leaseKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create lease bucket: %w", err)
	}

	expiresAt := time.
		Now().
		Add(leaseDur).
		UnixMicro()

	for _, msg := range msgs {
		rd := rawData[msg.ID]

		err := inProgress.Put(rd.key, rd.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to move message to in-progress: %w", err)
		}

		err = pending.Delete(rd.key)
		if err != nil {
			return nil, fmt.Errorf("failed to delete message from pending: %w", err)
		}

		leaseDat := binary.
			BigEndian.
			AppendUint64(
				make([]byte, 0),
				uint64(expiresAt),
			)
		err = lease.Put(rd.key, leaseDat)
		if err != nil {
			return nil, fmt.Errorf("failed to put lease on message: %w", err)
		}
	}

	return msgs, nil
}

func (q *bqueue) Ack(name string, id uint64) error {
	db, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := q.ackSingle(tx, name, id); err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.Ack").
				Error("failed to ack message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) ackSingle(tx *bbolt.Tx, name string, id uint64) error {
	inProgressKey := queue.InProgressKey(name)
	leaseKey := queue.LeaseKey(name)
	msgKey := bytes(queue.MessageKey(name, id))

	inProgBucket, err := tx.CreateBucketIfNotExists(bytes(inProgressKey))
	if err != nil {
		return fmt.Errorf("failed to create in-progress bucket: %w", err)
	}

	msg := inProgBucket.Get(msgKey)
	if msg == nil {
		return errs.NewErrNotFound("message")
	}

	if err := inProgBucket.Delete(msgKey); err != nil {
		return fmt.Errorf("failed to delete message from in-progress: %w", err)
	}

	if err := q.releaseLease(tx, leaseKey, msgKey); err != nil {
		return err
	}

	return q.bumpCompleted(tx, name)
}

func (q *bqueue) releaseLease(tx *bbolt.Tx, leaseKey string, msgKey []byte) error {
	lease := tx.Bucket(bytes(leaseKey))
	if lease == nil {
		return nil
	}

	if err := lease.Delete(msgKey); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

func (q *bqueue) bumpCompleted(tx *bbolt.Tx, name string) error {
	statsKey := queue.StatsKey()
	completedKey := queue.CompletedCountKey(name)

	statsBucket, err := tx.CreateBucketIfNotExists(bytes(statsKey))
	if err != nil {
		return fmt.Errorf("failed to create stats bucket: %w", err)
	}

	var count uint64
	rawCount := statsBucket.Get(bytes(completedKey))
	if rawCount != nil {
		count = binary.BigEndian.Uint64(rawCount)
	}
	count += 1

	rawCount = binary.
		BigEndian.
		AppendUint64(
			make([]byte, 0),
			count,
		)

	if err := statsBucket.Put(bytes(completedKey), rawCount); err != nil {
		return fmt.Errorf("failed to update completed count: %w", err)
	}

	return nil
}

func (q *bqueue) Retry(name string, id uint64, notBefore time.Time) error {
	db, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := q.retrySingle(tx, name, id, notBefore); err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.Retry").
				Error("failed to retry message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) retrySingle(tx *bbolt.Tx, name string, id uint64, notBefore time.Time) error {
	inProgressKey := queue.InProgressKey(name)
	retryKey := queue.RetryKey(name)
	leaseKey := queue.LeaseKey(name)
	msgKey := bytes(queue.MessageKey(name, id))

	inProgBucket, err := tx.CreateBucketIfNotExists(bytes(inProgressKey))
	if err != nil {
		return fmt.Errorf("failed to create in-progress bucket: %w", err)
	}
	retryBucket, err := tx.CreateBucketIfNotExists(bytes(retryKey))
	if err != nil {
		return fmt.Errorf("failed to create retry bucket: %w", err)
	}

	raw := inProgBucket.Get(msgKey)
	if raw == nil {
		return errs.NewErrNotFound("message")
	}

	dec, err := queue.Decode(raw)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	dec.NotBefore = notBefore

	enc, err := queue.Encode(dec)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := inProgBucket.Delete(msgKey); err != nil {
		return fmt.Errorf("failed to delete message from in-progress: %w", err)
	}

	if err := q.releaseLease(tx, leaseKey, msgKey); err != nil {
		return err
	}

	if err := retryBucket.Put(msgKey, enc); err != nil {
		return fmt.Errorf("failed to put message into retry: %w", err)
	}

	return nil
}

func (q *bqueue) DeadLetter(name string, id uint64) error {
	db, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := q.deadLetterSingle(tx, name, id); err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.DeadLetter").
				Error("failed to dead-letter message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) deadLetterSingle(tx *bbolt.Tx, name string, id uint64) error {
	inProgressKey := queue.InProgressKey(name)
	deadLetterKey := queue.DeadLetterKey(name)
	leaseKey := queue.LeaseKey(name)
	msgKey := bytes(queue.MessageKey(name, id))

	inProgBucket, err := tx.CreateBucketIfNotExists(bytes(inProgressKey))
	if err != nil {
		return fmt.Errorf("failed to create in-progress bucket: %w", err)
	}
	dlBucket, err := tx.CreateBucketIfNotExists(bytes(deadLetterKey))
	if err != nil {
		return fmt.Errorf("failed to create dead-letter bucket: %w", err)
	}

	raw := inProgBucket.Get(msgKey)
	if raw == nil {
		return errs.NewErrNotFound("message")
	}

	if err := inProgBucket.Delete(msgKey); err != nil {
		return fmt.Errorf("failed to delete message from in-progress: %w", err)
	}

	if err := q.releaseLease(tx, leaseKey, msgKey); err != nil {
		return err
	}

	if err := dlBucket.Put(msgKey, raw); err != nil {
		return fmt.Errorf("failed to put message into dead-letter: %w", err)
	}

	return nil
}

func (q *bqueue) TakeDeadLetter(name string, id uint64) (*queue.Message, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	var msg *queue.Message

	tx := func(tx *bbolt.Tx) error {
		msg, err = q.takeDeadLetterSingle(tx, name, id)
		if err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.TakeDeadLetter").
				Error("failed to take dead-letter message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return msg, nil
}

func (q *bqueue) takeDeadLetterSingle(tx *bbolt.Tx, name string, id uint64) (*queue.Message, error) {
	deadLetterKey := queue.DeadLetterKey(name)
	msgKey := bytes(queue.MessageKey(name, id))

	dlBucket := tx.Bucket(bytes(deadLetterKey))
	if dlBucket == nil {
		return nil, errs.NewErrNotFound("message")
	}

	raw := dlBucket.Get(msgKey)
	if raw == nil {
		return nil, errs.NewErrNotFound("message")
	}

	dec, err := queue.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if err := dlBucket.Delete(msgKey); err != nil {
		return nil, fmt.Errorf("failed to delete message from dead-letter: %w", err)
	}

	return dec, nil
}

func (q *bqueue) ListDeadLetter(name string, skip uint64, limit uint64) (queue.Messages, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	var msgs queue.Messages

	tx := func(tx *bbolt.Tx) error {
		dlBucket := tx.Bucket(bytes(queue.DeadLetterKey(name)))
		if dlBucket == nil {
			return nil
		}

		if limit == 0 {
			return nil
		}

		cur := dlBucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if skip > 0 {
				skip -= 1
				continue
			}

			msg, err := queue.Decode(v)
			if err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			msgs = append(msgs, *msg)

			limit -= 1
			if limit == 0 {
				break
			}
		}

		return nil
	}

	if err := db.View(tx); err != nil {
		return nil, fmt.Errorf("failed to view database messages: %w", err)
	}

	return msgs, nil
}

func (q *bqueue) Discard(name string, id uint64) error {
	db, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bytes(queue.PendingKey(name)))
		if pending == nil {
			return errs.NewErrNotFound("message")
		}

		msgKey := bytes(queue.MessageKey(name, id))
		if pending.Get(msgKey) == nil {
			return errs.NewErrNotFound("message")
		}

		if err := pending.Delete(msgKey); err != nil {
			return fmt.Errorf("failed to delete message from pending: %w", err)
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) ExtendLease(name string, id uint64, until time.Time) error {
	db, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		lease := tx.Bucket(bytes(queue.LeaseKey(name)))
		if lease == nil {
			return errs.NewErrNotFound("lease")
		}

		msgKey := bytes(queue.MessageKey(name, id))
		if lease.Get(msgKey) == nil {
			return errs.NewErrNotFound("lease")
		}

		leaseDat := binary.
			BigEndian.
			AppendUint64(
				make([]byte, 0),
				uint64(until.UnixMicro()),
			)

		if err := lease.Put(msgKey, leaseDat); err != nil {
			return fmt.Errorf("failed to extend lease: %w", err)
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) ReconcileDue(limit int, name string, now time.Time) (queue.Messages, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	var moved queue.Messages

	tx := func(tx *bbolt.Tx) error {
		moved, err = q.reconcileDue(tx, name, limit, now)
		if err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.ReconcileDue").
				Error("failed to reconcile retry queue")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return moved, nil
}

func (q *bqueue) reconcileDue(tx *bbolt.Tx, name string, limit int, now time.Time) (queue.Messages, error) {
	retryKey := queue.RetryKey(name)
	pendingKey := queue.PendingKey(name)

	retryBucket, err := tx.CreateBucketIfNotExists(bytes(retryKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry bucket: %w", err)
	}

	pendingBucket, err := tx.CreateBucketIfNotExists(bytes(pendingKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending bucket: %w", err)
	}

	var moved queue.Messages

	type pendingMove struct {
		key []byte
		raw []byte
	}
	moves := make([]pendingMove, 0, limit)

	cur := retryBucket.Cursor()
	for key, val := cur.First(); key != nil; key, val = cur.Next() {
		msg, err := queue.Decode(val)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}

		if msg.NotBefore.After(now) {
			continue
		}

		moved = append(moved, *msg)
		moves = append(moves, pendingMove{
			key: append([]byte(nil), key...),
			raw: append([]byte(nil), val...),
		})

		if len(moves) >= limit {
			break
		}
	}

	for _, m := range moves {
		if err := retryBucket.Delete(m.key); err != nil {
			return nil, fmt.Errorf("failed to delete message from retry: %w", err)
		}

		if err := pendingBucket.Put(m.key, m.raw); err != nil {
			return nil, fmt.Errorf("failed to put message into pending: %w", err)
		}
	}

	return moved, nil
}

func (q *bqueue) SweepExpiredLeases(limit int, name string, now time.Time) (queue.Messages, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	var moved queue.Messages

	tx := func(tx *bbolt.Tx) error {
		moved, err = q.sweepExpiredLeases(tx, name, limit, now)
		if err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.SweepExpiredLeases").
				Error("failed to sweep expired leases")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return moved, nil
}

func (q *bqueue) sweepExpiredLeases(tx *bbolt.Tx, name string, limit int, now time.Time) (queue.Messages, error) {
	leaseBucket := tx.Bucket(bytes(queue.LeaseKey(name)))
	if leaseBucket == nil {
		return nil, nil
	}

	inProgBucket := tx.Bucket(bytes(queue.InProgressKey(name)))
	if inProgBucket == nil {
		return nil, nil
	}

	pendingBucket, err := tx.CreateBucketIfNotExists(bytes(queue.PendingKey(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending bucket: %w", err)
	}

	nowMicro := uint64(now.UnixMicro())

	var moved queue.Messages
	expired := make([][]byte, 0, limit)

	cur := leaseBucket.Cursor()
	for key, val := cur.First(); key != nil; key, val = cur.Next() {
		expiresAt := binary.BigEndian.Uint64(val)
		if expiresAt > nowMicro {
			continue
		}

		expired = append(expired, append([]byte(nil), key...))
		if len(expired) >= limit {
			break
		}
	}

	for _, key := range expired {
		raw := inProgBucket.Get(key)
		if raw == nil {
			// lease without a message, drop the orphan
			if err := leaseBucket.Delete(key); err != nil {
				return nil, fmt.Errorf("failed to delete orphan lease: %w", err)
			}
			continue
		}

		msg, err := queue.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}

		if err := inProgBucket.Delete(key); err != nil {
			return nil, fmt.Errorf("failed to delete message from in-progress: %w", err)
		}

		if err := leaseBucket.Delete(key); err != nil {
			return nil, fmt.Errorf("failed to delete lease: %w", err)
		}

		if err := pendingBucket.Put(key, raw); err != nil {
			return nil, fmt.Errorf("failed to put message into pending: %w", err)
		}

		moved = append(moved, *msg)
	}

	return moved, nil
}

func (q *bqueue) Flush(name string) error {
	db, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := q.flushSingle(tx, name); err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.Flush").
				Error("failed to flush queue")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) flushSingle(tx *bbolt.Tx, name string) error {
	keys := []string{
		queue.PendingKey(name),
		queue.InProgressKey(name),
		queue.RetryKey(name),
		queue.DeadLetterKey(name),
		queue.LeaseKey(name),
	}

	for _, key := range keys {
		if tx.Bucket(bytes(key)) == nil {
			continue
		}
		if err := tx.DeleteBucket(bytes(key)); err != nil {
			return fmt.Errorf("failed to delete bucket %s: %w", key, err)
		}
	}

	return nil
}

func (q *bqueue) Completed(name string) (uint64, error) {
	db, err := q.handle()
	if err != nil {
		return 0, err
	}

	var count uint64
	tx := func(tx *bbolt.Tx) error {
		statsBucket := tx.Bucket(bytes(queue.StatsKey()))
		if statsBucket == nil {
			return nil
		}

		rawCount := statsBucket.Get(bytes(queue.CompletedCountKey(name)))
		if rawCount == nil {
			return nil
		}

		count = binary.BigEndian.Uint64(rawCount)
		return nil
	}

	if err := db.View(tx); err != nil {
		return 0, fmt.Errorf("failed to view database messages: %w", err)
	}

	return count, nil
}

func (q *bqueue) Pending(name string) (uint64, error) {
	return q.bucketCount(queue.PendingKey(name))
}

func (q *bqueue) InProgress(name string) (uint64, error) {
	return q.bucketCount(queue.InProgressKey(name))
}

func (q *bqueue) DeadLettered(name string) (uint64, error) {
	return q.bucketCount(queue.DeadLetterKey(name))
}

func (q *bqueue) bucketCount(key string) (uint64, error) {
	db, err := q.handle()
	if err != nil {
		return 0, err
	}

	var count uint64
	tx := func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bytes(key))
		if bucket == nil {
			return nil
		}

		count = uint64(bucket.Stats().KeyN)
		return nil
	}

	if err := db.View(tx); err != nil {
		return 0, fmt.Errorf("failed to view database messages: %w", err)
	}

	return count, nil
}

func bytes(s string) []byte {
	return []byte(s)
}
