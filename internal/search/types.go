package search

import "time"

// Status represents the lifecycle state of a search job.
type Status string

// Status values persisted in the job store.
const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Result is a single scraped search hit.
type Result struct {
	Text string `json:"text"`
	Href string `json:"href,omitempty"`
}

// Search is the record persisted for each distinct query.
type Search struct {
	ID             string    `json:"id"`
	Query          string    `json:"query"`
	Status         Status    `json:"status"`
	Results        []Result  `json:"results"`
	FailedMessage  string    `json:"failed_message,omitempty"`
	FailedAttempts int       `json:"failed_attempts"`
	Requesters     []string  `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasRequester reports whether fingerprint is associated with the search.
func (s Search) HasRequester(fingerprint string) bool {
	for _, r := range s.Requesters {
		if r == fingerprint {
			return true
		}
	}
	return false
}

// StatusCounts tallies a requester's searches by status.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Add increments the counter that matches status.
func (c *StatusCounts) Add(status Status, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}

// Page is one page of a requester's searches.
type Page struct {
	Searches   []Search     `json:"searches"`
	TotalCount int          `json:"total_count"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	Counts     StatusCounts `json:"counts"`
}

// QueueEntry references a search waiting for (or undergoing) execution.
type QueueEntry struct {
	JobID       string
	Attempts    int
	AvailableAt time.Time
	EnqueuedAt  time.Time
}
