// Package queue wraps the River job queue: seven Postgres-backed queues, one
// per pipeline stage plus duplicate detection, with per-queue concurrency,
// at-most-one-in-flight uniqueness per record and stage, and operator
// pause/resume.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Queue names. Stage queues match the domain stage names.
const (
	QueueDocLookup     = "doc_lookup"
	QueueNormalization = "normalization"
	QueueGeocoding     = "geocoding"
	QueuePlaces        = "places"
	QueueAnalysis      = "analysis"
	QueueAnalyst       = "analyst"
	QueueDuplicates    = "duplicates"
)

// QueueNames lists every queue in display order.
var QueueNames = []string{
	QueueDocLookup,
	QueueNormalization,
	QueueGeocoding,
	QueuePlaces,
	QueueAnalysis,
	QueueAnalyst,
	QueueDuplicates,
}

// defaultConcurrency caps workers per queue. The analysis queue runs serially
// to respect the vision model's rate limits.
var defaultConcurrency = map[string]int{
	QueueDocLookup:     5,
	QueueNormalization: 5,
	QueueGeocoding:     3,
	QueuePlaces:        3,
	QueueAnalysis:      1,
	QueueAnalyst:       2,
	QueueDuplicates:    2,
}

// ConcurrencyFor reports the worker cap of a queue, used by enqueuers to
// decide when to stagger delays.
func ConcurrencyFor(queue string) int {
	if n, ok := defaultConcurrency[queue]; ok {
		return n
	}
	return 1
}

// RecordJob is the shared payload of every stage job. Only RecordID carries
// the unique tag: batch and correlation IDs differ on every enqueue, and
// including them in the uniqueness key would let two starts of the same stage
// race the same record.
type RecordJob struct {
	RecordID      uuid.UUID  `json:"record_id" river:"unique"`
	BatchID       *uuid.UUID `json:"batch_id,omitempty"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
}

// One args type per queue so River routes each to its worker.

type DocLookupArgs struct{ RecordJob }

func (DocLookupArgs) Kind() string { return "doc_lookup" }

type NormalizationArgs struct{ RecordJob }

func (NormalizationArgs) Kind() string { return "normalization" }

type GeocodingArgs struct{ RecordJob }

func (GeocodingArgs) Kind() string { return "geocoding" }

type PlacesArgs struct{ RecordJob }

func (PlacesArgs) Kind() string { return "places" }

type AnalysisArgs struct {
	RecordJob
	PhotoID uuid.UUID `json:"photo_id" river:"unique"`
}

func (AnalysisArgs) Kind() string { return "analysis" }

type AnalystArgs struct{ RecordJob }

func (AnalystArgs) Kind() string { return "analyst" }

type DuplicateArgs struct{ RecordJob }

func (DuplicateArgs) Kind() string { return "duplicates" }

// Event is the queue lifecycle notification fanned out to SSE subscribers.
type Event struct {
	Queue     string     `json:"queue"`
	Kind      string     `json:"kind"` // completed | failed
	JobID     int64      `json:"job_id"`
	RecordID  *uuid.UUID `json:"record_id,omitempty"`
	Attempt   int        `json:"attempt"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
}

// Counts summarizes one queue's jobs by state.
type Counts struct {
	Available int  `json:"available"`
	Running   int  `json:"running"`
	Retryable int  `json:"retryable"`
	Completed int  `json:"completed"`
	Discarded int  `json:"discarded"`
	Paused    bool `json:"paused"`
}

// JobSummary is the trimmed job row exposed by the queue-logs endpoint.
type JobSummary struct {
	ID          int64      `json:"id"`
	Queue       string     `json:"queue"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

// Queue is what workers and handlers depend on. The River implementation is
// the normal case; Noop stands in when Postgres queueing is unavailable so
// the read API keeps serving.
type Queue interface {
	EnqueueStage(ctx context.Context, stage domain.Stage, job RecordJob, delay time.Duration) error
	EnqueueAnalysis(ctx context.Context, job RecordJob, photoID uuid.UUID, delay time.Duration) error
	EnqueueDuplicateCheck(ctx context.Context, job RecordJob) error
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	PausedQueues(ctx context.Context) ([]string, error)
	Counts(ctx context.Context) (map[string]Counts, error)
	RecentJobs(ctx context.Context, queue string, limit int) ([]JobSummary, error)
	Subscribe() (<-chan Event, func())
	Healthy() bool
}

// stagePolicy retries with 2000ms * 2^attempt, capped at 30s.
type stagePolicy struct{}

func (stagePolicy) NextRetry(job *rivertype.JobRow) time.Time {
	backoff := 2000 * time.Millisecond * (1 << uint(job.Attempt))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return time.Now().Add(backoff)
}

// Config for the River-backed queue.
type Config struct {
	Log  *slog.Logger
	Pool *pgxpool.Pool
	// Workers must be registered before Start; nil runs an insert-only client.
	Workers *river.Workers
	// MaxAttempts before a job is discarded.
	MaxAttempts int
	// Concurrency overrides per queue; missing queues use the defaults.
	Concurrency map[string]int
}

func (c *Config) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("log is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return nil
}
