// Package progress defines the event structures emitted by the job runners.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageJobDone    Stage = "JOB_DONE"
	StageJobError   Stage = "JOB_ERROR"
	StageFetchStart Stage = "FETCH_START"
	StageFetchDone  Stage = "FETCH_DONE"
	StageDedupHit   Stage = "DEDUP_HIT"
)

// Event captures a single milestone of a running job.
type Event struct {
	// JobID identifies the job that emitted the event.
	JobID string
	// UserID owns the job.
	UserID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Site scopes fetch events to a host label.
	Site string
	// URL is the resource being fetched.
	URL string
	// Bytes is the size of the artifacts a fetch produced.
	Bytes int64
	// Reason carries the fetch outcome reason (TIMEOUT, STALLED, ...) or
	// the job's error text.
	Reason string
	// OK reports whether a fetch succeeded.
	OK bool
	// Dur captures execution latency for fetches and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageFetchStart, StageFetchDone, StageDedupHit:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError
}
