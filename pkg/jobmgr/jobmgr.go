// Package jobmgr keeps at most one pending delayed job per name.
//
// Scheduling a job under a name that already has one pending cancels the
// old job first, so only the most recent job for a name can run:
//
//	jm := jobmgr.NewManager(clock.New(), nil)
//	jm.Schedule("user:42", 2*time.Second, func() { settle("42") })
//	jm.Schedule("user:42", 2*time.Second, func() { settle("42") }) // replaces the first
//
//	// later...
//	jm.StopAll()
//
// Jobs run on the clock's timer goroutine. The manager does not retry,
// persist, or bound concurrency.
package jobmgr

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StatusReporter receives lifecycle messages for jobs.
// Example messages:
//
//	scheduled:user:42
//	replaced:user:42
//	done:user:42
type StatusReporter func(string)

type job struct {
	timer *clock.Timer
	seq   uint64
}

// Manager orchestrates scheduling, replacing and cancelling named jobs.
// It is safe for concurrent use.
type Manager struct {
	clock    clock.Clock
	Reporter StatusReporter

	mu   sync.Mutex
	jobs map[string]*job
	seq  uint64
}

// NewManager creates a new Manager on the given clock.
// The reporter callback may be nil.
func NewManager(c clock.Clock, reporter StatusReporter) *Manager {
	if c == nil {
		c = clock.New()
	}
	return &Manager{
		clock:    c,
		Reporter: reporter,
		jobs:     make(map[string]*job),
	}
}

// Schedule runs fn after delay unless another Schedule or Stop for the
// same name comes first. It returns true if a pending job was replaced.
func (m *Manager) Schedule(name string, delay time.Duration, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := false
	if prev, ok := m.jobs[name]; ok {
		prev.timer.Stop()
		delete(m.jobs, name)
		replaced = true
	}

	m.seq++
	j := &job{seq: m.seq}
	j.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		cur, ok := m.jobs[name]
		if !ok || cur.seq != j.seq {
			m.mu.Unlock()
			return
		}
		delete(m.jobs, name)
		m.mu.Unlock()

		fn()
		m.report("done:" + name)
	})
	m.jobs[name] = j

	if replaced {
		m.report("replaced:" + name)
	} else {
		m.report("scheduled:" + name)
	}
	return replaced
}

// Stop cancels a pending job by name.
// If no job is pending, an error is returned.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return fmt.Errorf("job '%s' not pending", name)
	}
	j.timer.Stop()
	delete(m.jobs, name)
	return nil
}

// StopAll cancels every pending job and returns how many were cancelled.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.jobs)
	for name, j := range m.jobs {
		j.timer.Stop()
		delete(m.jobs, name)
	}
	return n
}

// Pending reports whether a job is waiting under name.
func (m *Manager) Pending(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[name]
	return ok
}

// List returns the sorted names of pending jobs.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Status returns a human-readable summary of pending jobs.
// Example:
//
//	"Pending jobs: user:1, user:2"
//
// If none are pending: "No jobs are pending."
func (m *Manager) Status() string {
	pending := m.List()
	if len(pending) == 0 {
		return "No jobs are pending."
	}
	return fmt.Sprintf("Pending jobs: %s", strings.Join(pending, ", "))
}

// report delivers lifecycle messages to the reporter if present.
func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
