// Package scheduler owns the cron runner. Jobs are registered by name so
// blocks can replace or stop their schedules, and a job that is still running
// when its next fire comes due is skipped, not stacked.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled callback.
type Job func(ctx context.Context)

type namedJob struct {
	entryID cron.EntryID
	run     Job

	mu      sync.Mutex
	running bool
}

// Scheduler wraps a single cron runner with named, re-entrancy guarded jobs.
type Scheduler struct {
	log  *zap.Logger
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]*namedJob
}

func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		log:  logger,
		cron: cron.New(),
		jobs: make(map[string]*namedJob),
	}
}

// AddJob schedules fn under the given name and cron mask. Re-adding a name
// replaces the previous schedule.
func (s *Scheduler) AddJob(name, mask string, fn Job) error {
	if fn == nil {
		return errors.New("scheduler: job " + name + " has no callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.entryID)
		delete(s.jobs, name)
	}

	job := &namedJob{run: fn}
	entryID, err := s.cron.AddFunc(mask, func() { s.fire(name, job) })
	if err != nil {
		return errors.New("scheduler: failed to schedule job " + name + ": " + err.Error())
	}
	job.entryID = entryID
	s.jobs[name] = job
	return nil
}

// RemoveJob stops and forgets a named job. Unknown names are a no-op.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[name]; ok {
		s.cron.Remove(job.entryID)
		delete(s.jobs, name)
	}
}

// Trigger fires a named job immediately, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.New("scheduler: unknown job " + name)
	}
	s.fire(name, job)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(name string, job *namedJob) {
	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		s.log.Warn("job still running, skipping this fire", zap.String("job", name))
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
		if r := recover(); r != nil {
			s.log.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()

	job.run(context.Background())
}
