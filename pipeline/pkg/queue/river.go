package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

// River is the Postgres-backed queue.
type River struct {
	log         *slog.Logger
	pool        *pgxpool.Pool
	client      *river.Client[pgx.Tx]
	maxAttempts int
	started     bool
}

// NewRiver builds the queue client. With Workers set the client consumes the
// queues on Start; without it the client is insert-only (the API server mode).
func NewRiver(cfg Config) (*River, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate queue config: %w", err)
	}

	riverCfg := &river.Config{
		Logger:      cfg.Log,
		RetryPolicy: stagePolicy{},
	}
	if cfg.Workers != nil {
		riverCfg.Workers = cfg.Workers
		riverCfg.Queues = make(map[string]river.QueueConfig, len(QueueNames))
		for _, name := range QueueNames {
			workers := defaultConcurrency[name]
			if override, ok := cfg.Concurrency[name]; ok && override > 0 {
				workers = override
			}
			riverCfg.Queues[name] = river.QueueConfig{MaxWorkers: workers}
		}
	}

	client, err := river.NewClient(riverpgxv5.New(cfg.Pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}

	return &River{
		log:         cfg.Log,
		pool:        cfg.Pool,
		client:      client,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Start begins consuming jobs. Insert-only clients skip this.
func (q *River) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river client: %w", err)
	}
	q.started = true
	return nil
}

// Stop drains running jobs and shuts the client down.
func (q *River) Stop(ctx context.Context) error {
	if !q.started {
		return nil
	}
	if err := q.client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop river client: %w", err)
	}
	q.started = false
	return nil
}

func stageArgs(stage domain.Stage, job RecordJob) (river.JobArgs, string, error) {
	switch stage {
	case domain.StageDocLookup:
		return DocLookupArgs{job}, QueueDocLookup, nil
	case domain.StageNormalization:
		return NormalizationArgs{job}, QueueNormalization, nil
	case domain.StageGeocoding:
		return GeocodingArgs{job}, QueueGeocoding, nil
	case domain.StagePlaces:
		return PlacesArgs{job}, QueuePlaces, nil
	case domain.StageAnalyst:
		return AnalystArgs{job}, QueueAnalyst, nil
	}
	return nil, "", fmt.Errorf("no queue for stage %q", stage)
}

// EnqueueStage inserts one stage job. Uniqueness by args keeps at most one
// live job per record and stage; a duplicate insert is silently skipped.
func (q *River) EnqueueStage(ctx context.Context, stage domain.Stage, job RecordJob, delay time.Duration) error {
	args, queueName, err := stageArgs(stage, job)
	if err != nil {
		return err
	}
	return q.insert(ctx, args, queueName, delay)
}

// EnqueueAnalysis inserts one per-photo analysis job.
func (q *River) EnqueueAnalysis(ctx context.Context, job RecordJob, photoID uuid.UUID, delay time.Duration) error {
	return q.insert(ctx, AnalysisArgs{RecordJob: job, PhotoID: photoID}, QueueAnalysis, delay)
}

// EnqueueDuplicateCheck inserts a duplicate-detection job.
func (q *River) EnqueueDuplicateCheck(ctx context.Context, job RecordJob) error {
	return q.insert(ctx, DuplicateArgs{job}, QueueDuplicates, 0)
}

func (q *River) insert(ctx context.Context, args river.JobArgs, queueName string, delay time.Duration) error {
	opts := &river.InsertOpts{
		Queue:       queueName,
		MaxAttempts: q.maxAttempts,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStatePending,
				rivertype.JobStateScheduled,
				rivertype.JobStateAvailable,
				rivertype.JobStateRunning,
				rivertype.JobStateRetryable,
			},
		},
	}
	if delay > 0 {
		opts.ScheduledAt = time.Now().Add(delay)
	}

	res, err := q.client.Insert(ctx, args, opts)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", queueName, err)
	}
	if res.UniqueSkippedAsDuplicate {
		q.log.Debug("queue: skipped duplicate job", "queue", queueName)
	}
	return nil
}

// Pause stops delivery on one queue. Running jobs finish normally.
func (q *River) Pause(ctx context.Context, queue string) error {
	if err := q.client.QueuePause(ctx, queue, nil); err != nil {
		return fmt.Errorf("failed to pause queue %s: %w", queue, err)
	}
	return nil
}

// Resume restores delivery on one queue.
func (q *River) Resume(ctx context.Context, queue string) error {
	if err := q.client.QueueResume(ctx, queue, nil); err != nil {
		return fmt.Errorf("failed to resume queue %s: %w", queue, err)
	}
	return nil
}

// PausedQueues lists the queues currently paused.
func (q *River) PausedQueues(ctx context.Context) ([]string, error) {
	res, err := q.client.QueueList(ctx, river.NewQueueListParams().First(100))
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	var paused []string
	for _, qu := range res.Queues {
		if qu.PausedAt != nil {
			paused = append(paused, qu.Name)
		}
	}
	return paused, nil
}

// Counts reports per-queue job totals by state.
func (q *River) Counts(ctx context.Context) (map[string]Counts, error) {
	out := make(map[string]Counts, len(QueueNames))
	for _, name := range QueueNames {
		out[name] = Counts{}
	}

	rows, err := q.pool.Query(ctx, `
		SELECT queue, state, COUNT(*) FROM river_job GROUP BY queue, state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var queueName, state string
		var count int
		if err := rows.Scan(&queueName, &state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		c, ok := out[queueName]
		if !ok {
			continue
		}
		switch rivertype.JobState(state) {
		case rivertype.JobStateAvailable, rivertype.JobStateScheduled, rivertype.JobStatePending:
			c.Available += count
		case rivertype.JobStateRunning:
			c.Running += count
		case rivertype.JobStateRetryable:
			c.Retryable += count
		case rivertype.JobStateCompleted:
			c.Completed += count
		case rivertype.JobStateDiscarded, rivertype.JobStateCancelled:
			c.Discarded += count
		}
		out[queueName] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue counts: %w", err)
	}

	paused, err := q.PausedQueues(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range paused {
		c := out[name]
		c.Paused = true
		out[name] = c
	}
	return out, nil
}

// RecentJobs returns the newest jobs of one queue for the operator console.
func (q *River) RecentJobs(ctx context.Context, queue string, limit int) ([]JobSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	params := river.NewJobListParams().Queues(queue).First(limit).
		OrderBy(river.JobListOrderByTime, river.SortOrderDesc)
	res, err := q.client.JobList(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for queue %s: %w", queue, err)
	}

	out := make([]JobSummary, 0, len(res.Jobs))
	for _, job := range res.Jobs {
		s := JobSummary{
			ID:          job.ID,
			Queue:       job.Queue,
			State:       string(job.State),
			Attempt:     job.Attempt,
			MaxAttempts: job.MaxAttempts,
			CreatedAt:   job.CreatedAt,
			FinalizedAt: job.FinalizedAt,
		}
		for _, e := range job.Errors {
			s.Errors = append(s.Errors, e.Error)
		}
		out = append(out, s)
	}
	return out, nil
}

// Subscribe streams completion and failure events, translated for the SSE
// broadcaster. The returned cancel func must be called to release the
// subscription.
func (q *River) Subscribe() (<-chan Event, func()) {
	sub, cancel := q.client.Subscribe(river.EventKindJobCompleted, river.EventKindJobFailed)

	out := make(chan Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Job == nil {
					continue
				}
				e := Event{
					Queue:     ev.Job.Queue,
					JobID:     ev.Job.ID,
					Attempt:   ev.Job.Attempt,
					Timestamp: time.Now().UTC(),
				}
				switch ev.Kind {
				case river.EventKindJobCompleted:
					e.Kind = "completed"
				case river.EventKindJobFailed:
					e.Kind = "failed"
					if n := len(ev.Job.Errors); n > 0 {
						e.Error = ev.Job.Errors[n-1].Error
					}
				}
				var payload RecordJob
				if err := json.Unmarshal(ev.Job.EncodedArgs, &payload); err == nil && payload.RecordID != uuid.Nil {
					e.RecordID = &payload.RecordID
				}
				select {
				case out <- e:
				default:
					// Slow consumers drop events rather than block workers.
				}
			}
		}
	}()

	return out, func() {
		close(done)
		cancel()
	}
}

func (q *River) Healthy() bool { return true }
