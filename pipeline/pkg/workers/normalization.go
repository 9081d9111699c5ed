package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/riverqueue/river"
	"golang.org/x/sync/errgroup"

	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

const normalizeSystemPrompt = `You normalize Brazilian street addresses. Expand abbreviations
(R. -> Rua, Av. -> Avenida, Dr. -> Doutor), fix casing and accents, convert
state names to their 2-letter code, and correct the city spelling. Never invent
streets, numbers or neighborhoods that are not in the input.
Respond with a single JSON object and nothing else:
{"address": "...", "city": "...", "state": "XX", "changes": ["..."]}`

// NormalizationWorker cross-validates the raw address between two text
// models and the deterministic rule-based normalizer. Duplicate detection is
// chained here because it keys on the normalized address.
type NormalizationWorker struct {
	river.WorkerDefaults[queue.NormalizationArgs]
	deps *Deps
}

func (w *NormalizationWorker) Work(ctx context.Context, job *river.Job[queue.NormalizationArgs]) error {
	d := w.deps
	rj := job.Args.RecordJob

	return d.runStage(ctx, domain.StageNormalization, rj, lastAttempt(job), stageOpts{
		exec: w.execute,
		chainAlways: func(ctx context.Context) error {
			if err := d.Queue.EnqueueStage(ctx, domain.StageGeocoding, rj, delayAfterNormalization); err != nil {
				return err
			}
			return d.Queue.EnqueueDuplicateCheck(ctx, rj)
		},
	})
}

func (w *NormalizationWorker) execute(ctx context.Context, r *domain.Record) (stageOutcome, error) {
	if strings.TrimSpace(r.AddressRaw) == "" {
		return stageOutcome{
			status:  domain.StatusIncomplete,
			message: "no input address to normalize",
			mutate: func(r *domain.Record) {
				zero := 0
				r.NormalizationConfidence = &zero
				if city := crossval.NormalizeCityRules(r.CityRaw); city != "" {
					r.CityNormalized = &city
				}
				if state := crossval.NormalizeStateRules(r.StateRaw); state != "" {
					r.StateNormalized = &state
				}
			},
		}, nil
	}

	addr, changes := crossval.NormalizeAddressRules(r.AddressRaw)
	rules := crossval.AddressCandidate{
		Address: addr,
		City:    crossval.NormalizeCityRules(r.CityRaw),
		State:   crossval.NormalizeStateRules(r.StateRaw),
		Changes: changes,
	}

	// Both models run as siblings under the job deadline; each degrades to
	// nil on its own failure, so Wait never carries an error.
	var llmA, llmB *crossval.AddressCandidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		llmA = w.normalizeLLM(gctx, w.deps.NormalizerA, "LLM-A", r)
		return nil
	})
	g.Go(func() error {
		llmB = w.normalizeLLM(gctx, w.deps.NormalizerB, "LLM-B", r)
		return nil
	})
	_ = g.Wait()

	res := crossval.ReconcileAddress(llmA, llmB, rules)

	return stageOutcome{
		status:  domain.StatusSuccess,
		message: fmt.Sprintf("normalized via %s at %d%%", res.Source, res.Confidence),
		mutate: func(r *domain.Record) {
			r.AddressNormalized = &res.Chosen.Address
			if res.Chosen.City != "" {
				r.CityNormalized = &res.Chosen.City
			}
			if res.Chosen.State != "" {
				r.StateNormalized = &res.Chosen.State
			}
			conf := res.Confidence
			r.NormalizationConfidence = &conf
			src := res.Source
			r.NormalizationSource = &src
			r.NormalizationDivergences = res.Divergences
		},
	}, nil
}

// normalizeLLM returns nil when the model is absent or unusable; the
// reconciliation treats that as "this LLM unavailable".
func (w *NormalizationWorker) normalizeLLM(ctx context.Context, llm providers.TextCompleter, label string, r *domain.Record) *crossval.AddressCandidate {
	if llm == nil {
		return nil
	}

	user := fmt.Sprintf("Address: %s\nCity: %s\nState: %s", r.AddressRaw, r.CityRaw, r.StateRaw)
	resp, err := llm.Complete(ctx, normalizeSystemPrompt, user)
	if err != nil {
		w.deps.Log.Warn("normalization: model call failed", "model", label, "record", r.ID, "error", err)
		return nil
	}

	var c crossval.AddressCandidate
	if err := json.Unmarshal([]byte(extractJSON(resp)), &c); err != nil || c.Address == "" {
		w.deps.Log.Warn("normalization: unusable model output", "model", label, "record", r.ID, "error", err)
		return nil
	}
	c.State = crossval.NormalizeStateRules(c.State)
	return &c
}

// extractJSON pulls the first JSON object out of a model response.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
