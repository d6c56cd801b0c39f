package queue

import (
	"encoding/json"
	"time"
)

// Message is the unit the broker moves between buckets. The payload is
// opaque to the queue; the broker stores task metadata in it.
type Message struct {
	ID      uint64
	Queue   string
	Payload []byte

	// NotBefore gates redelivery of retried messages. Zero means the
	// message is deliverable immediately.
	NotBefore time.Time
}

// NewMessage builds a message for the named queue with v as its
// JSON-encoded payload.
func NewMessage(queue string, v any) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Message{Queue: queue, Payload: payload}, nil
}

// Into decodes the message payload into v.
func (msg Message) Into(v any) error {
	return json.Unmarshal(msg.Payload, v)
}

type Messages []Message

func (msg Messages) IDs() []uint64 {
	ids := make([]uint64, len(msg))
	for i, m := range msg {
		ids[i] = m.ID
	}
	return ids
}

// Single wraps a single message into a Messages.
func Single(msg Message) Messages {
	return Messages{msg}
}

// Encode encodes a message into a byte slice.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode decodes a byte slice into a message.
func Decode(data []byte) (*Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type DequeueOpts struct {
	Limit int

	// LeaseDuration is the visibility timeout placed on dequeued
	// messages. Zero falls back to the queue's default.
	LeaseDuration time.Duration
}

type MessageQueue interface {
	Close() error

	// Enqueue submits messages into their pending queues and returns
	// the assigned message ids, in input order.
	Enqueue(msgs Messages) (ids []uint64, err error)

	// Dequeue retrieves up to Limit messages from the pending queue.
	//
	// Retrieved messages move to the in-progress queue and acquire a
	// lease; they become re-deliverable if the lease expires before Ack.
	Dequeue(opts *DequeueOpts, name string) (Messages, error)

	// Ack acknowledges successful processing: the message leaves the
	// in-progress queue, its lease is released, and the completed
	// counter is incremented.
	Ack(name string, id uint64) error

	// Retry moves an in-progress message to the retry queue. It stays
	// there until notBefore, after which ReconcileDue returns it to
	// pending.
	Retry(name string, id uint64, notBefore time.Time) error

	// DeadLetter moves an in-progress message to the terminal
	// dead-letter queue.
	DeadLetter(name string, id uint64) error

	// TakeDeadLetter removes a message from the dead-letter queue and
	// returns it, for operator replay or discard.
	TakeDeadLetter(name string, id uint64) (*Message, error)

	// ListDeadLetter pages through the dead-letter queue oldest first.
	ListDeadLetter(name string, skip uint64, limit uint64) (Messages, error)

	// Discard removes a message from the pending queue without
	// processing it (task cancellation).
	Discard(name string, id uint64) error

	// ExtendLease pushes the lease expiry of an in-progress message to
	// the given time.
	ExtendLease(name string, id uint64, until time.Time) error

	// ReconcileDue moves retry-queue messages whose NotBefore has
	// passed back to the pending queue and returns them.
	ReconcileDue(limit int, name string, now time.Time) (Messages, error)

	// SweepExpiredLeases returns in-progress messages with expired
	// leases to the pending queue and returns them (at-least-once
	// redelivery after a worker crash).
	SweepExpiredLeases(limit int, name string, now time.Time) (Messages, error)

	// Flush drops every message in the named queue.
	Flush(name string) error

	// Completed returns the number of messages acknowledged so far.
	Completed(name string) (uint64, error)

	// Pending returns the number of messages waiting to be processed.
	Pending(name string) (uint64, error)

	// InProgress returns the number of messages currently leased.
	InProgress(name string) (uint64, error)

	// DeadLettered returns the number of messages parked in the
	// dead-letter queue.
	DeadLettered(name string) (uint64, error)
}
