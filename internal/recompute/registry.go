package recompute

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownTask is returned when triggering a task name nobody registered.
var ErrUnknownTask = errors.New("unknown task")

const historySize = 100

// TaskStatus is the externally visible state of a registered task.
type TaskStatus struct {
	Name     string      `json:"name"`
	Family   Family      `json:"family"`
	Full     bool        `json:"full"`
	Schedule string      `json:"schedule,omitempty"`
	Running  bool        `json:"running"`
	PassID   string      `json:"pass_id,omitempty"`
	LastPass *PassReport `json:"last_pass,omitempty"`
}

// Registry tracks tasks by name and keeps a bounded history of pass
// reports. It outlives supervisor restarts: tasks registered again under
// the same name replace the previous generation.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	running map[string]string
	last    map[string]PassReport
	history []PassReport
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:   make(map[string]*Task),
		running: make(map[string]string),
		last:    make(map[string]PassReport),
	}
}

// Register adds t, replacing any task with the same name.
func (r *Registry) Register(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name()] = t
}

// Trigger asks the named task to run a pass now.
func (r *Registry) Trigger(name string) error {
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownTask
	}
	t.Trigger()
	return nil
}

func (r *Registry) begin(task, passID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[task] = passID
}

// Record stores a finished pass report.
func (r *Registry) Record(rep PassReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[rep.Task] == rep.ID {
		delete(r.running, rep.Task)
	}
	r.last[rep.Task] = rep
	r.history = append(r.history, rep)
	if len(r.history) > historySize {
		r.history = append([]PassReport(nil), r.history[len(r.history)-historySize:]...)
	}
}

// Passes returns up to limit reports, newest first. limit <= 0 returns all
// retained reports.
func (r *Registry) Passes(limit int) []PassReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]PassReport, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// Tasks returns the status of every registered task sorted by name.
func (r *Registry) Tasks() []TaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskStatus, 0, len(r.tasks))
	for name, t := range r.tasks {
		st := TaskStatus{
			Name:   name,
			Family: t.Family(),
			Full:   t.Full(),
		}
		if s := t.Schedule(); s != nil {
			st.Schedule = s.String()
		}
		if id, ok := r.running[name]; ok {
			st.Running = true
			st.PassID = id
		}
		if last, ok := r.last[name]; ok {
			st.LastPass = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
