package cron

import (
	"context"
	"fmt"
	"strings"
)

// Job is one unit of scheduled work. Name must be unique within a Registry
// and doubles as the metrics label and the -job selector of the worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs in registration order.
type Registry struct {
	jobs   []Job
	byName map[string]Job
}

// NewRegistry registers jobs in order, skipping nils.
func NewRegistry(jobs ...Job) (*Registry, error) {
	registry := &Registry{byName: make(map[string]Job, len(jobs))}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return fmt.Errorf("cron job name is required")
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("cron job %q registered twice", name)
	}
	r.byName[name] = job
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy of the registered jobs.
func (r *Registry) Jobs() []Job {
	return append([]Job(nil), r.jobs...)
}

// Select returns the named jobs in registration order. No names selects all.
func (r *Registry) Select(names ...string) ([]Job, error) {
	if len(names) == 0 {
		return r.Jobs(), nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("unknown cron job %q", name)
		}
		wanted[name] = true
	}
	var selected []Job
	for _, job := range r.jobs {
		if wanted[job.Name()] {
			selected = append(selected, job)
		}
	}
	return selected, nil
}
