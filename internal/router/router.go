package router

import (
	"sort"
	"strings"
)

const (
	// DefaultQueue receives every task type no routing rule matches.
	DefaultQueue = "default"

	// DefaultPriority is the priority of unmatched task types.
	DefaultPriority = 5

	MinPriority = 0
	MaxPriority = 10
)

// Route is one row of the routing table. Prefix may carry a trailing
// ".*" or "*" wildcard, which is stripped at construction; matching is
// plain prefix matching on the task type.
type Route struct {
	Prefix   string
	Queue    string
	Priority int
}

// Router maps dot-namespaced task types to a (queue, priority) pair
// using longest-prefix matching over an ordered rule table.
type Router struct {
	routes []Route
}

// New builds a Router from the given rules. Rules are evaluated longest
// prefix first; among equal-length prefixes the earlier rule wins, so
// evaluation stays deterministic regardless of config order.
func New(routes []Route) *Router {
	normalized := make([]Route, 0, len(routes))
	for _, r := range routes {
		r.Prefix = normalizePrefix(r.Prefix)
		r.Priority = ClampPriority(r.Priority)
		normalized = append(normalized, r)
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].Prefix) > len(normalized[j].Prefix)
	})

	return &Router{routes: normalized}
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(p, "*")
	return p
}

// Route resolves a task type to its queue and priority. Unmatched types
// are never rejected, they fall through to the default queue.
func (r *Router) Route(taskType string) (queue string, priority int) {
	for _, route := range r.routes {
		if strings.HasPrefix(taskType, route.Prefix) {
			return route.Queue, route.Priority
		}
	}

	return DefaultQueue, DefaultPriority
}

// Queues returns the distinct queue names the table routes to, ordered
// by descending priority, with the default queue always last. Workers
// poll in this order.
func (r *Router) Queues() []string {
	type entry struct {
		name     string
		priority int
	}

	seen := make(map[string]int, len(r.routes))
	ordered := make([]entry, 0, len(r.routes)+1)

	for _, route := range r.routes {
		if prev, ok := seen[route.Queue]; ok {
			// a queue keeps its highest configured priority
			if route.Priority > prev {
				seen[route.Queue] = route.Priority
				for i := range ordered {
					if ordered[i].name == route.Queue {
						ordered[i].priority = route.Priority
					}
				}
			}
			continue
		}
		seen[route.Queue] = route.Priority
		ordered = append(ordered, entry{name: route.Queue, priority: route.Priority})
	}

	if _, ok := seen[DefaultQueue]; !ok {
		ordered = append(ordered, entry{name: DefaultQueue, priority: DefaultPriority})
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].name == DefaultQueue {
			return false
		}
		if ordered[j].name == DefaultQueue {
			return true
		}
		return ordered[i].priority > ordered[j].priority
	})

	names := make([]string, 0, len(ordered))
	for _, e := range ordered {
		names = append(names, e.name)
	}
	return names
}

// Priority reports the priority configured for the named queue, falling
// back to the default priority for unknown queues.
func (r *Router) Priority(queue string) int {
	best := -1
	for _, route := range r.routes {
		if route.Queue == queue && route.Priority > best {
			best = route.Priority
		}
	}
	if best < 0 {
		return DefaultPriority
	}
	return best
}

// ClampPriority bounds a priority into the 0..10 range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
