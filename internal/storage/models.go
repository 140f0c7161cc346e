package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one persisted evaluation run with its headline numbers and the full
// report document.
type Run struct {
	ID             string
	CreatedAt      time.Time
	Scenario       string
	QueryCount     int
	TotalRetrieved int
	PoisonedHits   int
	PRR            float64
	ReportJSON     string
}

// RetrievalEvent is one audited hit: which record surfaced for which query in
// which run, and whether the classifier flagged it.
type RetrievalEvent struct {
	ID        int64
	RunID     string
	Query     string
	RecordID  string
	Rank      int
	Score     float64
	Poisoned  bool
	CreatedAt time.Time
}

// RecordHits aggregates the audit log per record, so the most-retrieved
// records (and whether they were ever flagged) are visible at a glance.
type RecordHits struct {
	RecordID string
	Hits     int
	Poisoned bool
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
