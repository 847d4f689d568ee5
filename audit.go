package botkeeper

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Leak is a transport session that failed to release. The application was
// marked stopped regardless, so the session may still be live on the remote
// side.
type Leak struct {
	AppID      string    `json:"app_id"`
	Generation uint64    `json:"generation"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

type leakLog struct {
	mu      sync.Mutex
	entries []Leak
}

func (l *leakLog) add(leak Leak) {
	l.mu.Lock()
	l.entries = append(l.entries, leak)
	l.mu.Unlock()
}

func (l *leakLog) snapshot() []Leak {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Leak, len(l.entries))
	copy(out, l.entries)
	return out
}

// recordLeak notes that app failed to release its client.
func (m *Manager) recordLeak(app *Application, err error) {
	if m == nil || err == nil {
		return
	}
	leak := Leak{AppID: app.id, Generation: app.generation, Error: err.Error(), At: time.Now()}
	m.leaks.add(leak)
	m.metrics.releaseFailures.Inc()
	app.logger.Warn("client release failed, session may be leaked", "error", err)
	m.emit(EventTypeAppLeaked, app.id, map[string]any{"generation": app.generation, "error": leak.Error})
}

// Audit returns every recorded release failure, oldest first.
func (m *Manager) Audit() []Leak {
	return m.leaks.snapshot()
}

func (m *Manager) startAuditor(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, m.runAudit); err != nil {
		return fmt.Errorf("audit schedule %q: %w", schedule, err)
	}
	c.Start()
	m.auditor = c
	return nil
}

// runAudit logs outstanding leaks. Leaks of applications that are no longer
// loaded are reported separately: nothing will retry their release.
func (m *Manager) runAudit() {
	leaks := m.leaks.snapshot()
	if len(leaks) == 0 {
		m.logger.Debug("leak audit clean")
		return
	}
	var orphaned int
	for _, leak := range leaks {
		if app, ok := m.apps.Get(leak.AppID); !ok || app.generation != leak.Generation {
			orphaned++
		}
	}
	m.logger.Warn("leak audit", "leaks", len(leaks), "orphaned", orphaned)
}
