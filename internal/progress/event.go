package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSubmitted  Stage = "SUBMITTED"
	StageFetchStart Stage = "FETCH_START"
	StageFetchDone  Stage = "FETCH_DONE"
	StageRetrying   Stage = "RETRYING"
	StageCompleted  Stage = "COMPLETED"
	StageFailed     Stage = "FAILED"
)

// Terminal reports whether no further events follow for the job.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Event captures one step of a search job.
type Event struct {
	// JobID is the search record ID.
	JobID string `json:"job_id"`
	// Query is the query text; useful to clients that render by query.
	Query string `json:"query,omitempty"`
	// Requesters lists the fingerprints associated with the job when the
	// event was emitted. It routes events to subscribers and is not sent.
	Requesters []string `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	Stage Stage  `json:"stage"`
	// Attempt is the 1-based fetch attempt the event belongs to.
	Attempt int `json:"attempt,omitempty"`
	// Results counts extracted results on FETCH_DONE and COMPLETED.
	Results int `json:"results,omitempty"`
	// Dur is the fetch latency, or the backoff delay on RETRYING.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note holds the failure message for RETRYING and FAILED.
	Note string `json:"note,omitempty"`
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
	case StageSubmitted, StageFetchStart, StageFetchDone, StageCompleted:
	case StageRetrying, StageFailed:
		if e.Note == "" {
			return fmt.Errorf("%s requires note", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
