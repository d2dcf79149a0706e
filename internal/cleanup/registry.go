// Package cleanup holds the two registries the coordinator works from: the
// prioritized cleanup handlers and the cache metrics used for recommendations.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"memguard/internal/logging"
)

// ErrInvalidHandler is returned for programmer misuse: empty name, nil action
// or an unknown priority.
var ErrInvalidHandler = errors.New("invalid cleanup handler")

// Priority is the tier a handler runs in. High runs first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Priority) valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts "high", "medium" or "low" into a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

// TierSet is a set of priorities
type TierSet uint8

// Tiers builds a set from the given priorities
func Tiers(priorities ...Priority) TierSet {
	var s TierSet
	for _, p := range priorities {
		if p.valid() {
			s |= 1 << uint(p)
		}
	}
	return s
}

// AllTiers selects every priority
var AllTiers = Tiers(PriorityHigh, PriorityMedium, PriorityLow)

// Has reports whether p is in the set
func (s TierSet) Has(p Priority) bool {
	return p.valid() && s&(1<<uint(p)) != 0
}

// Priorities lists the members in execution order
func (s TierSet) Priorities() []Priority {
	var out []Priority
	for p := PriorityHigh; p <= PriorityLow; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s TierSet) String() string {
	parts := make([]string, 0, 3)
	for _, p := range s.Priorities() {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ",")
}

// MarshalText implements encoding.TextMarshaler
func (s TierSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *TierSet) UnmarshalText(text []byte) error {
	parsed, err := ParseTiers(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseTiers parses a comma separated priority list such as "high,low".
// "all" selects every tier.
func ParseTiers(list string) (TierSet, error) {
	if strings.EqualFold(strings.TrimSpace(list), "all") {
		return AllTiers, nil
	}
	var s TierSet
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParsePriority(part)
		if err != nil {
			return 0, err
		}
		s |= Tiers(p)
	}
	if s == 0 {
		return 0, fmt.Errorf("empty tier list %q", list)
	}
	return s, nil
}

// Action frees or shrinks a resource. It may block; the context carries the
// pass deadline when one is configured.
//
// An action runs inside a pass, so it must not wait on another pass with any
// context but its own. With its own context the coordinator returns
// ErrNestedPass at once. With an unrelated context the wait only ends when the
// handler timeout abandons the action, and without a timeout it never ends.
type Action func(ctx context.Context) error

// Handler is one registered participant in cleanup passes
type Handler struct {
	Name        string
	Priority    Priority
	Action      Action
	Description string
}

type entry struct {
	Handler
	seq uint64
}

// Registry maps unique handler names to handlers. All methods are safe for
// concurrent use, including from inside a running Action.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
	seq      uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*entry)}
}

// Register inserts h, replacing any handler with the same name. The returned
// revoke func unregisters the name, exactly like Unregister(h.Name).
func (r *Registry) Register(h Handler) (revoke func() bool, err error) {
	if h.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidHandler)
	}
	if h.Action == nil {
		return nil, fmt.Errorf("%w: nil action for %q", ErrInvalidHandler, h.Name)
	}
	if !h.Priority.valid() {
		return nil, fmt.Errorf("%w: unknown priority %d for %q", ErrInvalidHandler, h.Priority, h.Name)
	}

	r.mu.Lock()
	_, replaced := r.handlers[h.Name]
	r.seq++
	r.handlers[h.Name] = &entry{Handler: h, seq: r.seq}
	r.mu.Unlock()

	ctx := context.Background()
	if replaced {
		logging.Warn(ctx, logging.ComponentRegistry, logging.ActionRegister,
			"Cleanup handler replaced by a new registration", map[string]interface{}{
				"handler":  h.Name,
				"priority": h.Priority.String(),
			})
	} else {
		logging.Debug(ctx, logging.ComponentRegistry, logging.ActionRegister,
			"Cleanup handler registered", map[string]interface{}{
				"handler":  h.Name,
				"priority": h.Priority.String(),
			})
	}

	name := h.Name
	return func() bool { return r.Unregister(name) }, nil
}

// Unregister removes name. It returns false when nothing was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.handlers[name]
	delete(r.handlers, name)
	r.mu.Unlock()

	if ok {
		logging.Debug(context.Background(), logging.ComponentRegistry, logging.ActionUnregister,
			"Cleanup handler unregistered", map[string]interface{}{"handler": name})
	}
	return ok
}

// Get returns the handler registered under name
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[name]
	if !ok {
		return Handler{}, false
	}
	return e.Handler, true
}

// ListByPriority returns a snapshot of the handlers in tiers, ordered High,
// Medium, Low and by registration order within a tier. Later registry
// mutations do not affect the returned slice.
func (r *Registry) ListByPriority(tiers TierSet) []Handler {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.handlers))
	for _, e := range r.handlers {
		if tiers.Has(e.Priority) {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.Handler
	}
	return out
}

// Names returns every registered name in execution order
func (r *Registry) Names() []string {
	handlers := r.ListByPriority(AllTiers)
	names := make([]string, len(handlers))
	for i, h := range handlers {
		names[i] = h.Name
	}
	return names
}

// Len returns the number of registered handlers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
