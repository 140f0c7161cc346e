// Package indexer drains index jobs from the SQLite queue into the vector
// index, so record writes return before any embedding work happens.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/memprobe/internal/experience"
	"github.com/kalambet/memprobe/internal/storage"
)

// JobTypeIndexExperience is the queue type for vector indexing work.
const JobTypeIndexExperience = "index_experience"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// RecordSource resolves record IDs against the experience store.
type RecordSource interface {
	Get(id string) (experience.Record, bool)
}

// Index receives records for vector indexing.
type Index interface {
	Add(ctx context.Context, rec experience.Record) error
}

type indexPayload struct {
	RecordID string `json:"record_id"`
}

// NewIndexJob builds the queue entry for one record.
func NewIndexJob(recordID string) (storage.Job, error) {
	payload, err := json.Marshal(indexPayload{RecordID: recordID})
	if err != nil {
		return storage.Job{}, fmt.Errorf("marshalling index payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeIndexExperience,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes index_experience jobs from the SQLite job queue.
type Worker struct {
	jobs    JobStore
	records RecordSource
	index   Index
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(jobs JobStore, records RecordSource, index Index, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		jobs:    jobs,
		records: records,
		index:   index,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("indexer iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{JobTypeIndexExperience})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("index job failed", "job_id", job.ID, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rec, ok := w.records.Get(payload.RecordID)
	if !ok {
		return fmt.Errorf("record %s not in store", payload.RecordID)
	}

	if err := w.index.Add(ctx, rec); err != nil {
		return fmt.Errorf("indexing record %s: %w", payload.RecordID, err)
	}
	return nil
}
