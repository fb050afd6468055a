package delivery

import (
	"fmt"
	"sort"
	"sync"

	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// DuplicateJobError is returned when a job for the same key is still
// registered.
type DuplicateJobError struct {
	Key     snapshot.Key
	Session string
	Target  string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("upload for '%s:%s' already running; abort to reset if this is wrong", e.Session, e.Target)
}

// Registry holds the in-flight jobs, at most one per key. Jobs are added
// and removed only from the host loop; the mutex lets status readers on
// other goroutines take consistent snapshots.
type Registry struct {
	mu   sync.Mutex
	jobs map[snapshot.Key]*Job
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[snapshot.Key]*Job)}
}

// Add registers job, failing if its key is taken.
func (r *Registry) Add(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobs[job.Key]; ok {
		return &DuplicateJobError{Key: job.Key, Session: existing.Session, Target: existing.Target}
	}
	r.jobs[job.Key] = job
	return nil
}

// Lookup returns the job registered under key.
func (r *Registry) Lookup(key snapshot.Key) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	return job, ok
}

// Has reports whether a job is registered under key.
func (r *Registry) Has(key snapshot.Key) bool {
	_, ok := r.Lookup(key)
	return ok
}

// Remove unregisters the job under key, if any.
func (r *Registry) Remove(key snapshot.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, key)
}

// Clear removes every job and returns the removed jobs sorted by key.
func (r *Registry) Clear() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		removed = append(removed, job)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key < removed[j].Key })
	r.jobs = make(map[snapshot.Key]*Job)
	return removed
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Status returns a point-in-time view of every job, sorted by key.
func (r *Registry) Status() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
