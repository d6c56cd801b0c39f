package queue

import "fmt"

func ns(name string) string {
	return "dispatch:" + name
}

// MessageKey builds the key for a single message. Message ids are
// zero-padded so bucket cursors iterate in id (submission) order.
func MessageKey(queue string, id uint64) string {
	return ns(fmt.Sprintf("%s:msg:%020d", queue, id))
}

// PendingKey builds the key of the pending queue, the default bucket
// messages first arrive at.
func PendingKey(name string) string {
	return ns(name + ":pending")
}

// RetryKey builds the key of the retry queue: messages waiting out
// their backoff delay before redelivery.
func RetryKey(name string) string {
	return ns(name + ":retry")
}

// InProgressKey builds the key of the in-progress queue: messages
// currently leased to a worker.
func InProgressKey(name string) string {
	return ns(name + ":in_progress")
}

// DeadLetterKey builds the key of the dead-letter queue, the terminal
// bucket for messages that exhausted their retry budget.
func DeadLetterKey(name string) string {
	return ns(name + ":dead_letter")
}

// LeaseKey builds the key of the lease bucket, mapping message keys to
// lease expiry timestamps.
func LeaseKey(name string) string {
	return ns(name + ":lease")
}

// StatsKey builds the key of the stats bucket.
func StatsKey() string {
	return ns("stats")
}

// CompletedCountKey builds the stats key counting acknowledged messages.
func CompletedCountKey(name string) string {
	return ns(name + ":completed")
}
