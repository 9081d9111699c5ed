package workers

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/prospectaio/prospecta/pipeline/pkg/analyst"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

// AnalystWorker runs the final holistic verdict. It is terminal: nothing is
// chained after it.
type AnalystWorker struct {
	river.WorkerDefaults[queue.AnalystArgs]
	deps *Deps
}

func (w *AnalystWorker) Work(ctx context.Context, job *river.Job[queue.AnalystArgs]) error {
	d := w.deps
	return d.runStage(ctx, domain.StageAnalyst, job.Args.RecordJob, lastAttempt(job), stageOpts{
		exec: w.execute,
	})
}

func (w *AnalystWorker) execute(ctx context.Context, r *domain.Record) (stageOutcome, error) {
	if w.deps.Analyst == nil {
		return stageOutcome{status: domain.StatusFail, message: "analyst model not configured"}, nil
	}

	verdict, _, err := w.deps.Analyst.Evaluate(ctx, r)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("failed to evaluate record: %w", err)
	}

	now := w.deps.Clock.Now().UTC()
	return stageOutcome{
		status:  domain.StatusSuccess,
		message: fmt.Sprintf("verdict %s at %d%%", verdict.Status, verdict.ConfidenceOverall),
		mutate: func(r *domain.Record) {
			analyst.Apply(r, verdict, now)
		},
	}, nil
}
