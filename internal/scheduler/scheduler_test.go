package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/razorgirl/winterd/internal/atproto"
)

type fakeJobStore struct {
	puts int
}

func (f *fakeJobStore) PutRecord(ctx context.Context, collection, rkey string, value interface{}) (string, error) {
	f.puts++
	return "cid-" + rkey, nil
}

func TestIsDuePendingPastNextRun(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	job := atproto.Job{Status: atproto.JobStatus{Kind: atproto.JobPending}, NextRun: &past}
	if !IsDue(job, now) {
		t.Error("expected pending job past next_run to be due")
	}
}

func TestIsDuePendingFutureNextRun(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	job := atproto.Job{Status: atproto.JobStatus{Kind: atproto.JobPending}, NextRun: &future}
	if IsDue(job, now) {
		t.Error("expected pending job with future next_run to not be due")
	}
}

func TestIsDueInterruptedAlwaysDue(t *testing.T) {
	job := atproto.Job{Status: atproto.JobStatus{Kind: atproto.JobInterrupted}}
	if !IsDue(job, time.Now()) {
		t.Error("expected interrupted job to always be due")
	}
}

func TestIsDueFailedIntervalPastRetryWindow(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	job := atproto.Job{
		Status:   atproto.JobStatus{Kind: atproto.JobFailed},
		Schedule: atproto.JobSchedule{Kind: atproto.ScheduleInterval},
		NextRun:  &past,
	}
	if !IsDue(job, now) {
		t.Error("expected failed interval job past retry window to be due")
	}
}

func TestIsDueFailedOnceNeverDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	job := atproto.Job{
		Status:   atproto.JobStatus{Kind: atproto.JobFailed},
		Schedule: atproto.JobSchedule{Kind: atproto.ScheduleOnce},
		NextRun:  &past,
	}
	if IsDue(job, now) {
		t.Error("expected failed once job to never retry")
	}
}

func TestIsDueRunningAndCompletedNeverDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	running := atproto.Job{Status: atproto.JobStatus{Kind: atproto.JobRunning}, NextRun: &past}
	completed := atproto.Job{Status: atproto.JobStatus{Kind: atproto.JobCompleted}, NextRun: &past}
	if IsDue(running, now) || IsDue(completed, now) {
		t.Error("expected running/completed jobs to never be due")
	}
}

func TestRetryDelayFormula(t *testing.T) {
	cases := []struct {
		failureCount int
		want         time.Duration
	}{
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 1200 * time.Second},
		{4, 2400 * time.Second},
		{5, 3600 * time.Second}, // 300*2^4 = 4800s, clamped down to the 3600s cap
		{6, 3600 * time.Second}, // shift still capped at 4, same as failureCount=5
	}
	for _, c := range cases {
		if got := RetryDelay(c.failureCount); got != c.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", c.failureCount, got, c.want)
		}
	}
}

func TestRetryDelayNeverExceedsCap(t *testing.T) {
	for fc := 1; fc <= 20; fc++ {
		if d := RetryDelay(fc); d > maxRetryDelay {
			t.Errorf("RetryDelay(%d) = %v exceeds cap %v", fc, d, maxRetryDelay)
		}
	}
}

func TestNextSleepClamps(t *testing.T) {
	if NextSleep(0) != minSleep {
		t.Error("expected zero duration clamped to minSleep")
	}
	if NextSleep(time.Hour) != maxSleep {
		t.Error("expected long duration clamped to maxSleep")
	}
	if NextSleep(5 * time.Second) != 5*time.Second {
		t.Error("expected in-range duration to pass through unchanged")
	}
}

func TestExecuteOneOnceSuccessMarksCompleted(t *testing.T) {
	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	store := &fakeJobStore{}
	sched := New(cache, store, func(ctx context.Context, job atproto.Job) error { return nil }, nil)

	job := atproto.Job{Name: "once-job", Schedule: atproto.JobSchedule{Kind: atproto.ScheduleOnce}}
	cache.UpsertJob("rkey1", job, "cid0")

	sched.executeOne(context.Background(), "rkey1", job)

	updated, _ := cache.GetJob("rkey1")
	if updated.Value.Status.Kind != atproto.JobCompleted {
		t.Errorf("expected Completed, got %v", updated.Value.Status.Kind)
	}
	if updated.Value.LastRun == nil {
		t.Error("expected LastRun to be set")
	}
}

func TestExecuteOneIntervalSuccessReschedules(t *testing.T) {
	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	store := &fakeJobStore{}
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := New(cache, store, func(ctx context.Context, job atproto.Job) error { return nil }, nil)
	sched.nowFunc = func() time.Time { return fixedNow }

	job := atproto.Job{Name: "interval-job", Schedule: atproto.JobSchedule{Kind: atproto.ScheduleInterval, Seconds: 60}}
	cache.UpsertJob("rkey1", job, "cid0")

	sched.executeOne(context.Background(), "rkey1", job)

	updated, _ := cache.GetJob("rkey1")
	if updated.Value.Status.Kind != atproto.JobPending {
		t.Errorf("expected Pending after successful interval run, got %v", updated.Value.Status.Kind)
	}
	if updated.Value.NextRun == nil || !updated.Value.NextRun.Equal(fixedNow.Add(60*time.Second)) {
		t.Errorf("expected next_run = now+60s, got %v", updated.Value.NextRun)
	}
	if updated.Value.FailureCount != 0 {
		t.Errorf("expected failure_count reset to 0, got %d", updated.Value.FailureCount)
	}
}

func TestExecuteOneIntervalFailureSchedulesRetry(t *testing.T) {
	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	store := &fakeJobStore{}
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := New(cache, store, func(ctx context.Context, job atproto.Job) error { return errors.New("boom") }, nil)
	sched.nowFunc = func() time.Time { return fixedNow }

	job := atproto.Job{Name: "interval-job", Schedule: atproto.JobSchedule{Kind: atproto.ScheduleInterval, Seconds: 60}}
	cache.UpsertJob("rkey1", job, "cid0")

	sched.executeOne(context.Background(), "rkey1", job)

	updated, _ := cache.GetJob("rkey1")
	if updated.Value.Status.Kind != atproto.JobFailed {
		t.Errorf("expected Failed, got %v", updated.Value.Status.Kind)
	}
	if updated.Value.FailureCount != 1 {
		t.Errorf("expected failure_count 1, got %d", updated.Value.FailureCount)
	}
	wantNext := fixedNow.Add(RetryDelay(1))
	if updated.Value.NextRun == nil || !updated.Value.NextRun.Equal(wantNext) {
		t.Errorf("expected next_run = now+retryDelay(1), got %v", updated.Value.NextRun)
	}
}

func TestLoadInterruptedMarksRunningJobs(t *testing.T) {
	cache := atproto.NewRepoCache(atproto.DefaultMaxPendingEvents)
	store := &fakeJobStore{}
	sched := New(cache, store, func(ctx context.Context, job atproto.Job) error { return nil }, nil)

	cache.UpsertJob("rkey1", atproto.Job{Name: "a", Status: atproto.JobStatus{Kind: atproto.JobRunning}}, "cid0")
	cache.UpsertJob("rkey2", atproto.Job{Name: "b", Status: atproto.JobStatus{Kind: atproto.JobPending}}, "cid0")

	if err := sched.LoadInterrupted(context.Background()); err != nil {
		t.Fatalf("LoadInterrupted: %v", err)
	}

	j1, _ := cache.GetJob("rkey1")
	j2, _ := cache.GetJob("rkey2")
	if j1.Value.Status.Kind != atproto.JobInterrupted {
		t.Errorf("expected rkey1 interrupted, got %v", j1.Value.Status.Kind)
	}
	if j2.Value.Status.Kind != atproto.JobPending {
		t.Errorf("expected rkey2 left pending, got %v", j2.Value.Status.Kind)
	}
}
