package scheduler

import (
	"time"

	"github.com/razorgirl/winterd/internal/atproto"
)

const (
	minSleep = 1 * time.Second
	maxSleep = 60 * time.Second

	baseRetryDelay = 300 * time.Second
	maxRetryDelay  = 3600 * time.Second
	maxRetryShift  = 4 // retry delay caps out at failureCount-1 == 4
)

// IsDue reports whether job should run now:
//   - Pending with next_run <= now
//   - Interrupted (always due, immediately, after a restart)
//   - Failed with an Interval schedule whose retry window (next_run) has elapsed
//
// Running and Completed jobs are never due, regardless of next_run.
func IsDue(job atproto.Job, now time.Time) bool {
	switch job.Status.Kind {
	case atproto.JobInterrupted:
		return true
	case atproto.JobPending:
		return job.NextRun == nil || !job.NextRun.After(now)
	case atproto.JobFailed:
		return job.Schedule.Kind == atproto.ScheduleInterval && job.NextRun != nil && !job.NextRun.After(now)
	default:
		return false
	}
}

// RetryDelay computes the backoff before retrying a failed Interval job:
// min(300 * 2^min(failureCount-1, 4), 3600) seconds.
func RetryDelay(failureCount int) time.Duration {
	shift := failureCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	delay := baseRetryDelay * time.Duration(1<<uint(shift))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// NextSleep clamps the wait until the next due job check to [1s, 60s].
func NextSleep(untilNextDue time.Duration) time.Duration {
	if untilNextDue < minSleep {
		return minSleep
	}
	if untilNextDue > maxSleep {
		return maxSleep
	}
	return untilNextDue
}
