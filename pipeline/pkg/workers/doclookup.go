package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

// DocLookupWorker resolves the tax document against the company or CPF
// registry. It always chains normalization, so downstream stages run against
// whatever data is present.
type DocLookupWorker struct {
	river.WorkerDefaults[queue.DocLookupArgs]
	deps *Deps
}

func (w *DocLookupWorker) Work(ctx context.Context, job *river.Job[queue.DocLookupArgs]) error {
	d := w.deps
	rj := job.Args.RecordJob
	last := lastAttempt(job)

	return d.runStage(ctx, domain.StageDocLookup, rj, last, stageOpts{
		exec: func(ctx context.Context, r *domain.Record) (stageOutcome, error) {
			return w.execute(ctx, r, last)
		},
		chainAlways: func(ctx context.Context) error {
			return d.Queue.EnqueueStage(ctx, domain.StageNormalization, rj, delayAfterDocLookup)
		},
	})
}

func (w *DocLookupWorker) execute(ctx context.Context, r *domain.Record, last bool) (stageOutcome, error) {
	doc, kind := domain.DetectDocumentKind(r.Document)

	switch kind {
	case domain.DocumentCNPJ:
		return w.lookupCNPJ(ctx, r, doc)
	case domain.DocumentCPF:
		return w.lookupCPF(ctx, r, doc, last)
	default:
		msg := fmt.Sprintf("Document invalid — only %d digits", len(doc))
		return stageOutcome{
			status:  domain.StatusNotApplicable,
			message: msg,
			mutate: func(r *domain.Record) {
				r.DocumentKind = domain.DocumentInvalid
				r.Alerts = appendUnique(r.Alerts, "CRITICAL: "+msg)
			},
		}, nil
	}
}

func (w *DocLookupWorker) lookupCNPJ(ctx context.Context, r *domain.Record, cnpj string) (stageOutcome, error) {
	if w.deps.CNPJ == nil {
		return stageOutcome{status: domain.StatusFail, message: "CNPJ registry client not configured"}, nil
	}

	lookup, err := w.deps.CNPJ.Lookup(ctx, cnpj)
	if err != nil {
		if providers.IsNotFound(err) {
			return stageOutcome{
				status:  domain.StatusFail,
				message: "CNPJ not found in registry",
				mutate: func(r *domain.Record) {
					r.Alerts = appendUnique(r.Alerts, "CRITICAL: CNPJ not found in registry")
				},
			}, nil
		}
		return stageOutcome{}, fmt.Errorf("failed to look up CNPJ: %w", err)
	}

	divergence := false
	if r.AddressRaw != "" && lookup.Address != "" {
		divergence = crossval.Similarity(r.AddressRaw, lookup.Address) < 50
	}

	return stageOutcome{
		status:  domain.StatusSuccess,
		message: fmt.Sprintf("registry: %s (%s)", lookup.LegalName, lookup.Status),
		mutate: func(r *domain.Record) {
			applyCNPJLookup(r, lookup)
			r.AddressDivergence = divergence
			if divergence {
				r.Alerts = appendUnique(r.Alerts, "input address diverges from registry address")
			}
			if !lookup.Active() {
				r.Alerts = appendUnique(r.Alerts, "CRITICAL: company inactive in registry")
			}
		},
	}, nil
}

func applyCNPJLookup(r *domain.Record, l *providers.CNPJLookup) {
	r.DocumentKind = domain.DocumentCNPJ
	r.DocumentValidated = true
	setStr(&r.LegalName, l.LegalName)
	setStr(&r.TradeName, l.TradeName)
	setStr(&r.RegistryStatus, l.Status)
	setStr(&r.LegalNature, l.LegalNature)
	if l.CNAECode != "" || l.CNAEDescription != "" {
		activity := l.CNAEDescription
		if l.CNAECode != "" {
			activity = l.CNAECode + " " + l.CNAEDescription
		}
		r.MainActivity = &activity
	}
	if l.OpeningDate != nil {
		r.OpeningDate = l.OpeningDate
	}
	if l.Address != "" {
		addr := l.Address
		if l.Neighborhood != "" {
			addr += ", " + l.Neighborhood
		}
		if l.City != "" {
			addr += ", " + l.City
		}
		if l.State != "" {
			addr += " - " + l.State
		}
		r.RegistryAddress = &addr
	}
	if l.ShareCapital > 0 {
		r.Capital = &l.ShareCapital
	}
	setStr(&r.CompanySize, l.CompanySize)
	if len(l.Partners) > 0 {
		r.Partners = l.Partners
	}
}

func (w *DocLookupWorker) lookupCPF(ctx context.Context, r *domain.Record, cpf string, last bool) (stageOutcome, error) {
	validChecksum := domain.ValidCPF(cpf)

	if w.deps.CPF == nil {
		return cpfChecksumOutcome(validChecksum, "CPF registry client not configured")
	}

	lookup, err := w.deps.CPF.Lookup(ctx, cpf)
	if err != nil {
		// Retry transient failures; after that the checksum is all we have.
		if kind := providers.KindOf(err); !last &&
			(kind == providers.KindTransientNetwork || kind == providers.KindRateLimited) {
			return stageOutcome{}, fmt.Errorf("failed to look up CPF: %w", err)
		}
		return cpfChecksumOutcome(validChecksum, fmt.Sprintf("CPF registries unavailable: %v", err))
	}

	return stageOutcome{
		status:  domain.StatusSuccess,
		message: fmt.Sprintf("CPF registry: %s", lookup.Status),
		mutate: func(r *domain.Record) {
			r.DocumentKind = domain.DocumentCPF
			r.DocumentValidated = true
			setStr(&r.CPFName, lookup.Name)
			setStr(&r.CPFStatus, lookup.Status)
			if lookup.BirthYear > 0 {
				birth := time.Date(lookup.BirthYear, 1, 1, 0, 0, 0, 0, time.UTC)
				r.CPFBirth = &birth
			}
			if !lookup.Regular() {
				r.Alerts = appendUnique(r.Alerts, "CRITICAL: CPF not regular in registry")
			}
		},
	}, nil
}

func cpfChecksumOutcome(validChecksum bool, reason string) (stageOutcome, error) {
	if validChecksum {
		return stageOutcome{
			status:  domain.StatusSuccess,
			message: "CPF checksum validated only: " + reason,
			mutate: func(r *domain.Record) {
				r.DocumentKind = domain.DocumentCPF
				status := "validated-only"
				r.CPFStatus = &status
				r.Alerts = appendUnique(r.Alerts, "CPF validated by checksum only, registries unavailable")
			},
		}, nil
	}
	return stageOutcome{
		status:  domain.StatusFail,
		message: "CPF checksum invalid and " + reason,
		mutate: func(r *domain.Record) {
			r.Alerts = appendUnique(r.Alerts, "CRITICAL: CPF checksum invalid")
		},
	}, nil
}

func setStr(dst **string, v string) {
	if v != "" {
		s := v
		*dst = &s
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
