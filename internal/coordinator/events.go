package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"memguard/internal/logging"
	"memguard/internal/pressure"
)

// EventKind identifies an observer notification
type EventKind string

const (
	EventLevelChanged     EventKind = "level_changed"
	EventPassCompleted    EventKind = "pass_completed"
	EventTriggerCoalesced EventKind = "trigger_coalesced"
)

// Event is delivered to every observer
type Event struct {
	Kind     EventKind        `json:"kind"`
	At       time.Time        `json:"at"`
	Level    pressure.Level   `json:"level"`
	Previous pressure.Level   `json:"previous"`
	Trend    pressure.Trend   `json:"trend"`
	Sample   *pressure.Sample `json:"sample,omitempty"`
	Trigger  *Trigger         `json:"trigger,omitempty"`
	Report   *PassReport      `json:"report,omitempty"`
}

// Subscribe adds an observer. Observers run synchronously on the goroutine
// that produced the event, so they should return quickly. A panicking
// observer is logged and skipped.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}

	c.obsMu.RLock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = c.observers[id]
	}
	c.obsMu.RUnlock()

	for _, fn := range fns {
		c.notifyObserver(fn, ev)
	}
}

func (c *Coordinator) notifyObserver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), logging.ComponentCoordinator, logging.ActionSubscribe,
				"Observer panicked", fmt.Errorf("observer panicked: %v", r),
				map[string]interface{}{"event": string(ev.Kind)})
		}
	}()
	fn(ev)
}
