package cache

import (
	"context"
	"fmt"

	"memguard/internal/cleanup"
	"memguard/internal/logging"
)

// Registrar is the part of the coordinator a cache attaches to
type Registrar interface {
	Register(h cleanup.Handler) (revoke func() bool, err error)
	Caches() *cleanup.MetricsRegistry
}

// Attach registers m as a cleanup handler and as a metrics source. The
// returned detach undoes both and is safe to call more than once.
func Attach(r Registrar, m Managed, priority cleanup.Priority, description string) (detach func(), err error) {
	stats := m.Stats()
	if err := r.Caches().RegisterCache(m.Name(), func() int { return m.Stats().Entries },
		stats.MaxEntries, stats.Hits, stats.Misses); err != nil {
		return nil, fmt.Errorf("attach %s: %w", m.Name(), err)
	}

	revoke, err := r.Register(cleanup.Handler{
		Name:        m.Name(),
		Priority:    priority,
		Action:      m.Cleanup,
		Description: description,
	})
	if err != nil {
		r.Caches().UnregisterCache(m.Name())
		return nil, fmt.Errorf("attach %s: %w", m.Name(), err)
	}

	logging.Info(context.Background(), logging.ComponentCache, logging.ActionRegister, "Cache attached", map[string]interface{}{
		"cache":    m.Name(),
		"kind":     stats.Kind,
		"priority": priority.String(),
	})

	return func() {
		if revoke() {
			r.Caches().UnregisterCache(m.Name())
		}
	}, nil
}
