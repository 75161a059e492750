// Package notify implements multi-adapter outbound notification delivery
// with partial-failure tolerance and question-reminder timers.
//
// Adapters are strictly outbound (spec Non-goals: channels never push
// answers back; answers always return through the response surface).
package notify

import (
	"context"
	"sync"
	"time"

	"autopilot/internal/logx"
	"autopilot/internal/model"
)

// Adapter is a pluggable outbound notification channel.
type Adapter interface {
	Name() string
	Init(ctx context.Context) error
	Send(ctx context.Context, n model.Notification) error
	Close(ctx context.Context) error
}

// Manager fans out notifications to every live adapter in parallel and
// schedules reminder timers for unanswered questions.
type Manager struct {
	mu        sync.Mutex
	adapters  []Adapter
	reminders map[string]*time.Timer
	logger    *logx.Logger

	reminderInterval time.Duration
}

// New constructs a Manager over the given adapters. Adapters are not yet
// initialized; call Init.
func New(adapters []Adapter, reminderInterval time.Duration) *Manager {
	if reminderInterval <= 0 {
		reminderInterval = 5 * time.Minute
	}
	return &Manager{
		adapters:         append([]Adapter(nil), adapters...),
		reminders:        map[string]*time.Timer{},
		logger:           logx.NewLogger("notify"),
		reminderInterval: reminderInterval,
	}
}

// Init initializes every adapter in parallel. An adapter whose Init fails
// is removed from the list and logged; initialization failure of one
// adapter never aborts startup.
func (m *Manager) Init(ctx context.Context) {
	m.mu.Lock()
	adapters := append([]Adapter(nil), m.adapters...)
	m.mu.Unlock()

	type result struct {
		adapter Adapter
		err     error
	}
	results := make(chan result, len(adapters))

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			results <- result{adapter: a, err: a.Init(ctx)}
		}(a)
	}
	wg.Wait()
	close(results)

	var survivors []Adapter
	for r := range results {
		if r.err != nil {
			m.logger.Warn("adapter %s failed to initialize, demoting: %v", r.adapter.Name(), r.err)
			continue
		}
		survivors = append(survivors, r.adapter)
	}

	m.mu.Lock()
	m.adapters = survivors
	m.mu.Unlock()
}

// Notify dispatches n to every live adapter in parallel with wait-for-all
// semantics. It never blocks the caller on a misbehaving adapter forever
// (each Send call is expected to honor ctx), never panics, and never
// propagates an error: delivery is best-effort.
func (m *Manager) Notify(ctx context.Context, n model.Notification) {
	m.mu.Lock()
	adapters := append([]Adapter(nil), m.adapters...)
	m.mu.Unlock()

	if len(adapters) == 0 {
		m.logger.Warn("no adapters registered, dropping notification id=%s", n.ID)
		return
	}

	var wg sync.WaitGroup
	failures := make([]bool, len(adapters))
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			if err := a.Send(ctx, n); err != nil {
				m.logger.Warn("adapter %s send failed id=%s: %v", a.Name(), n.ID, err)
				failures[i] = true
			}
		}(i, a)
	}
	wg.Wait()

	allFailed := true
	for _, f := range failures {
		if !f {
			allFailed = false
			break
		}
	}
	if allFailed {
		m.logger.Warn("all adapters failed to deliver notification id=%s, dropping", n.ID)
	}
}

// StartReminder schedules a one-shot reminder that re-dispatches payload
// after the configured interval and then removes itself. A new reminder
// for the same id cancels any previous one.
func (m *Manager) StartReminder(id string, payload model.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reminders[id]; ok {
		existing.Stop()
	}

	timer := time.AfterFunc(m.reminderInterval, func() {
		m.mu.Lock()
		delete(m.reminders, id)
		m.mu.Unlock()
		m.Notify(context.Background(), payload)
	})
	m.reminders[id] = timer
}

// CancelReminder clears a pending reminder for id, if any.
func (m *Manager) CancelReminder(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.reminders[id]; ok {
		t.Stop()
		delete(m.reminders, id)
	}
}

// Close clears all pending timers and closes every adapter in parallel.
// Timers never keep the process alive and Close is safe to call once at
// shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	for id, t := range m.reminders {
		t.Stop()
		delete(m.reminders, id)
	}
	adapters := append([]Adapter(nil), m.adapters...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			if err := a.Close(ctx); err != nil {
				m.logger.Warn("adapter %s close failed: %v", a.Name(), err)
			}
		}(a)
	}
	wg.Wait()
}
