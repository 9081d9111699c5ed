package workers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// stageDuplicates is the audit-trail label; duplicate detection runs on its
// own queue but carries no per-record stage status.
const stageDuplicates = domain.Stage("duplicates")

// DuplicateWorker flags records sharing an address or coordinates, and for
// CPF records cross-checks the document against every company's partner list.
type DuplicateWorker struct {
	river.WorkerDefaults[queue.DuplicateArgs]
	deps *Deps
}

func (w *DuplicateWorker) Work(ctx context.Context, job *river.Job[queue.DuplicateArgs]) error {
	d := w.deps
	rj := job.Args.RecordJob
	start := d.Clock.Now()

	rec, _, err := d.Store.GetRecord(ctx, rj.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		d.Log.Warn("duplicates: record vanished, dropping job", "record", rj.RecordID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	dupes, err := w.findDuplicates(ctx, rec)
	if err != nil {
		return err
	}

	var relation *domain.CPFPartnerRelation
	var isPartner *bool
	if rec.DocumentKind == domain.DocumentCPF {
		relation, isPartner, err = w.qsaCrossCheck(ctx, rec)
		if err != nil {
			return err
		}
	}

	if _, err := d.mutateRecord(ctx, rj.RecordID, func(r *domain.Record) {
		r.DuplicateAddressIDs = dupes
		r.DuplicateCount = len(dupes)
		r.DuplicateAlert = len(dupes) > 0
		if isPartner != nil {
			r.CPFIsPartner = isPartner
			r.CPFPartnerRelation = relation
			if !*isPartner {
				r.Alerts = appendUnique(r.Alerts, "CPF not found in any partner list")
			}
		}
	}); err != nil {
		return err
	}

	// Peers learn about the new duplicate too.
	for _, peerID := range dupes {
		if _, err := d.mutateRecord(ctx, peerID, func(peer *domain.Record) {
			peer.DuplicateAddressIDs = appendUniqueID(peer.DuplicateAddressIDs, rj.RecordID)
			peer.DuplicateCount = len(peer.DuplicateAddressIDs)
			peer.DuplicateAlert = true
		}); err != nil {
			d.Log.Error("duplicates: failed to flag peer", "peer", peerID, "error", err)
		}
	}

	d.ledger(ctx, rj, true)
	d.audit(ctx, stageDuplicates, rj, "INFO",
		fmt.Sprintf("found %d duplicate candidates", len(dupes)), d.Clock.Now().Sub(start))
	return nil
}

// findDuplicates tries exact normalized-address equality first, then the
// coordinate bounding square. The first non-empty result wins.
func (w *DuplicateWorker) findDuplicates(ctx context.Context, r *domain.Record) ([]uuid.UUID, error) {
	if r.AddressNormalized != nil && *r.AddressNormalized != "" {
		ids, err := w.deps.Store.FindDuplicatesByAddress(ctx, r.ID, *r.AddressNormalized)
		if err != nil {
			return nil, fmt.Errorf("failed to find address duplicates: %w", err)
		}
		if len(ids) > 0 {
			return ids, nil
		}
	}
	if r.Lat != nil && r.Lng != nil {
		ids, err := w.deps.Store.FindDuplicatesNearby(ctx, r.ID, *r.Lat, *r.Lng)
		if err != nil {
			return nil, fmt.Errorf("failed to find nearby duplicates: %w", err)
		}
		return ids, nil
	}
	return nil, nil
}

func (w *DuplicateWorker) qsaCrossCheck(ctx context.Context, r *domain.Record) (*domain.CPFPartnerRelation, *bool, error) {
	relations, err := w.deps.Store.FindCompaniesWithPartnerCPF(ctx, r.Document)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan partner lists: %w", err)
	}
	isPartner := len(relations) > 0
	if !isPartner {
		return nil, &isPartner, nil
	}
	rel := relations[0]
	return &rel, &isPartner, nil
}

func appendUniqueID(list []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
