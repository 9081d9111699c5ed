package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// ErrQueueUnavailable is returned by the Noop queue for every mutation.
var ErrQueueUnavailable = errors.New("queue: job queue is unavailable")

// Noop stands in when the queue schema is missing or Postgres queueing is
// down. Reads return empty data and writes fail with ErrQueueUnavailable, so
// the API keeps answering while the status endpoint surfaces the outage.
type Noop struct {
	Log *slog.Logger
}

func (n Noop) EnqueueStage(ctx context.Context, stage domain.Stage, job RecordJob, delay time.Duration) error {
	if n.Log != nil {
		n.Log.Warn("queue: dropping stage enqueue, queue unavailable", "stage", stage, "record", job.RecordID)
	}
	return ErrQueueUnavailable
}

func (n Noop) EnqueueAnalysis(ctx context.Context, job RecordJob, photoID uuid.UUID, delay time.Duration) error {
	return ErrQueueUnavailable
}

func (n Noop) EnqueueDuplicateCheck(ctx context.Context, job RecordJob) error {
	return ErrQueueUnavailable
}

func (Noop) Pause(context.Context, string) error  { return ErrQueueUnavailable }
func (Noop) Resume(context.Context, string) error { return ErrQueueUnavailable }

func (Noop) PausedQueues(context.Context) ([]string, error) { return nil, nil }

func (Noop) Counts(context.Context) (map[string]Counts, error) {
	out := make(map[string]Counts, len(QueueNames))
	for _, name := range QueueNames {
		out[name] = Counts{}
	}
	return out, nil
}

func (Noop) RecentJobs(context.Context, string, int) ([]JobSummary, error) { return nil, nil }

func (Noop) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (Noop) Healthy() bool { return false }
