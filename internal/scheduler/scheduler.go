// Package scheduler runs Job records on their Once/Interval schedule,
// persisting state transitions and retrying Interval failures with
// exponential backoff.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/razorgirl/winterd/internal/atproto"
)

// Executor runs one job's instructions. The scheduler never inspects the
// instruction string itself — only orchestrates state, persistence, and
// retries around whatever this callback does.
type Executor func(ctx context.Context, job atproto.Job) error

// JobStore is the subset of the record-write interface the scheduler needs
// to mirror job state transitions durably.
type JobStore interface {
	PutRecord(ctx context.Context, collection, rkey string, value interface{}) (cid string, err error)
}

// Scheduler orchestrates the Job family in a RepoCache: finding due jobs,
// running them one at a time through Executor, and persisting the result.
type Scheduler struct {
	Cache    *atproto.RepoCache
	Store    JobStore
	Run      Executor
	Log      *slog.Logger
	nowFunc  func() time.Time
}

func New(cache *atproto.RepoCache, store JobStore, exec Executor, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{Cache: cache, Store: store, Run: exec, Log: log, nowFunc: time.Now}
}

func (s *Scheduler) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// LoadInterrupted marks every Running job as Interrupted, so it is picked
// up and run once immediately on the next cycle. Call once at startup,
// before the main loop, to recover from a prior process's crash/restart.
func (s *Scheduler) LoadInterrupted(ctx context.Context) error {
	for _, entry := range s.Cache.ListJobs() {
		if entry.Value.Status.Kind != atproto.JobRunning {
			continue
		}
		job := entry.Value
		job.Status = atproto.JobStatus{Kind: atproto.JobInterrupted}
		cid, err := s.persist(ctx, entry.Rkey, job)
		if err != nil {
			return fmt.Errorf("mark interrupted job %s: %w", entry.Rkey, err)
		}
		s.Cache.UpsertJob(entry.Rkey, job, cid)
	}
	return nil
}

// RunLoop finds due jobs, executes them serially in discovery order, then
// sleeps clamped to [1s, 60s] before checking again, until ctx is
// cancelled. A running job is allowed to finish before the loop observes
// cancellation.
func (s *Scheduler) RunLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		due := s.dueJobs()
		for _, entry := range due {
			if ctx.Err() != nil {
				return nil
			}
			s.executeOne(ctx, entry.Rkey, entry.Value)
		}

		sleep := NextSleep(s.untilNextDue())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (s *Scheduler) dueJobs() []atproto.Entry[atproto.Job] {
	now := s.now()
	var due []atproto.Entry[atproto.Job]
	for _, entry := range s.Cache.ListJobs() {
		if IsDue(entry.Value, now) {
			due = append(due, entry)
		}
	}
	return due
}

// untilNextDue returns the time until the soonest non-due job's next_run,
// or maxSleep if there is nothing scheduled ahead.
func (s *Scheduler) untilNextDue() time.Duration {
	now := s.now()
	soonest := maxSleep
	found := false
	for _, entry := range s.Cache.ListJobs() {
		if IsDue(entry.Value, now) || entry.Value.NextRun == nil {
			continue
		}
		d := entry.Value.NextRun.Sub(now)
		if !found || d < soonest {
			soonest = d
			found = true
		}
	}
	if !found {
		return maxSleep
	}
	return soonest
}

func (s *Scheduler) executeOne(ctx context.Context, rkey string, job atproto.Job) {
	job.Status = atproto.JobStatus{Kind: atproto.JobRunning}
	if cid, err := s.persist(ctx, rkey, job); err != nil {
		s.Log.Warn("failed to persist running state", "job", job.Name, "error", err)
	} else {
		s.Cache.UpsertJob(rkey, job, cid)
	}

	runErr := s.Run(ctx, job)
	if runErr != nil {
		runErr = &ExecutorError{Job: job.Name, Err: runErr}
	}
	now := s.now()

	if runErr == nil {
		job.LastRun = &now
		job.FailureCount = 0
		switch job.Schedule.Kind {
		case atproto.ScheduleOnce:
			job.Status = atproto.JobStatus{Kind: atproto.JobCompleted}
		case atproto.ScheduleInterval:
			next := now.Add(time.Duration(job.Schedule.Seconds) * time.Second)
			job.NextRun = &next
			job.Status = atproto.JobStatus{Kind: atproto.JobPending}
		}
	} else {
		job.FailureCount++
		job.Status = atproto.JobStatus{Kind: atproto.JobFailed, Error: runErr.Error()}
		if job.Schedule.Kind == atproto.ScheduleInterval {
			next := now.Add(RetryDelay(job.FailureCount))
			job.NextRun = &next
		}
		s.Log.Warn("job execution failed", "job", job.Name, "error", runErr, "failure_count", job.FailureCount)
	}

	if cid, err := s.persist(ctx, rkey, job); err != nil {
		s.Log.Warn("failed to persist job result", "job", job.Name, "error", err)
	} else {
		s.Cache.UpsertJob(rkey, job, cid)
	}
}

func (s *Scheduler) persist(ctx context.Context, rkey string, job atproto.Job) (string, error) {
	return s.Store.PutRecord(ctx, atproto.CollectionJob, rkey, job)
}

// DeduplicateByName retains the newest-created Job of each name and deletes
// the rest, both from the cache and the backing store. A maintenance
// operation, not part of the scheduling loop itself.
func (s *Scheduler) DeduplicateByName(ctx context.Context, deleteFn func(ctx context.Context, rkey string) error) error {
	newest := make(map[string]atproto.Entry[atproto.Job])
	for _, entry := range s.Cache.ListJobs() {
		cur, ok := newest[entry.Value.Name]
		if !ok || entry.Value.CreatedAt.After(cur.Value.CreatedAt) {
			newest[entry.Value.Name] = entry
		}
	}

	keep := make(map[string]bool, len(newest))
	for _, entry := range newest {
		keep[entry.Rkey] = true
	}

	for _, entry := range s.Cache.ListJobs() {
		if keep[entry.Rkey] {
			continue
		}
		if err := deleteFn(ctx, entry.Rkey); err != nil {
			return fmt.Errorf("delete duplicate job %s: %w", entry.Rkey, err)
		}
		s.Cache.DeleteJob(entry.Rkey)
	}
	return nil
}
