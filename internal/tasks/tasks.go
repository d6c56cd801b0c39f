// Package tasks holds the built-in task handlers of the dispatch
// service. Handlers receive the task payload, do their work, and return
// a result map persisted alongside the task record.
package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/toolboxai/dispatch/internal/broker"
	errs "github.com/toolboxai/dispatch/internal/errors"
	"github.com/toolboxai/dispatch/internal/worker"
)

// Task type names. Routing is configured separately; these only bind
// handlers.
const (
	TypeContentGenerate = "content.generate"
	TypeNotifyEcho      = "notify.echo"
)

// Registry is the handler-binding surface of a worker pool.
type Registry interface {
	Register(taskType string, h worker.Handler)
}

// RegisterBuiltin binds the built-in handlers onto the registry.
func RegisterBuiltin(r Registry) {
	r.Register(TypeContentGenerate, GenerateLessonOutline)
	r.Register(TypeNotifyEcho, Echo)
}

// GenerateLessonOutline produces a lesson outline skeleton for a topic.
// Payload: {topic: string, sections?: number}.
//
// Handlers must stay idempotent: a lease expiry can redeliver the task,
// and re-generating the same outline twice is harmless.
func GenerateLessonOutline(ctx context.Context, task *broker.Task) (map[string]any, error) {
	topic, ok := task.Payload["topic"].(string)
	if !ok || len(strings.TrimSpace(topic)) == 0 {
		return nil, errs.Permanent(fmt.Errorf("payload is missing a topic"))
	}

	sections := 3
	if raw, ok := task.Payload["sections"].(float64); ok && raw > 0 {
		sections = int(raw)
	}

	outline := make([]map[string]any, 0, sections)
	templates := []string{
		"Introduction to %s",
		"Core concepts of %s",
		"Practice problems on %s",
		"Review and assessment of %s",
	}

	for i := 0; i < sections; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		title := fmt.Sprintf(templates[i%len(templates)], topic)
		outline = append(outline, map[string]any{
			"order": i + 1,
			"title": title,
		})
	}

	return map[string]any{
		"topic":    topic,
		"sections": outline,
	}, nil
}

// Echo returns its payload unchanged. Useful for smoke-testing the
// pipeline end to end.
func Echo(_ context.Context, task *broker.Task) (map[string]any, error) {
	return task.Payload, nil
}
