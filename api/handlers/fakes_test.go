package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// fakeStore is an in-memory Datastore. Zero values behave like an empty
// database; tests override the hook funcs for error paths.
type fakeStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*domain.Record
	versions map[uuid.UUID]int
	photos   map[uuid.UUID][]domain.Photo
	batches  []*domain.Batch
	users    map[string]*store.User
	logs     []store.LogEntry

	listIDs    map[domain.StageStatus][]uuid.UUID
	dupGroups  [][]uuid.UUID
	merged     [][2]uuid.UUID
	resetCount int
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  map[uuid.UUID]*domain.Record{},
		versions: map[uuid.UUID]int{},
		photos:   map[uuid.UUID][]domain.Photo{},
		users:    map[string]*store.User{},
		listIDs:  map[domain.StageStatus][]uuid.UUID{},
	}
}

func (f *fakeStore) put(r *domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
	f.versions[r.ID] = 1
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) GetRecord(ctx context.Context, id uuid.UUID) (*domain.Record, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	cp := *r
	return &cp, f.versions[id], nil
}

func (f *fakeStore) UpdateRecord(ctx context.Context, r *domain.Record, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versions[r.ID] != version {
		return store.ErrStale
	}
	cp := *r
	f.records[r.ID] = &cp
	f.versions[r.ID] = version + 1
	return nil
}

func (f *fakeStore) InsertRecords(ctx context.Context, batchID uuid.UUID, recs []*domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		cp := *r
		f.records[r.ID] = &cp
		f.versions[r.ID] = 1
	}
	return nil
}

func (f *fakeStore) ListRecordIDs(ctx context.Context, filter store.RecordFilter) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, status := range filter.Statuses {
		for _, id := range f.listIDs[status] {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CountByStageStatus(ctx context.Context, stage domain.Stage) (map[domain.StageStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.StageStatus]int{}
	for _, r := range f.records {
		counts[r.Stages.Get(stage).Status]++
	}
	return counts, nil
}

func (f *fakeStore) CreateBatch(ctx context.Context, kind domain.BatchKind, total int, note *string) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &domain.Batch{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    domain.BatchStarted,
		Total:     total,
		Note:      note,
		StartedAt: time.Now().UTC(),
	}
	f.batches = append(f.batches, b)
	return b, nil
}

func (f *fakeStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListBatches(ctx context.Context, kind domain.BatchKind, limit int) ([]domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Batch
	for i := len(f.batches) - 1; i >= 0 && len(out) < limit; i-- {
		if kind == "" || f.batches[i].Kind == kind {
			out = append(out, *f.batches[i])
		}
	}
	return out, nil
}

func (f *fakeStore) ListPhotos(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photos[recordID], nil
}

func (f *fakeStore) LogsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]store.LogEntry, error) {
	var out []store.LogEntry
	for _, e := range f.logs {
		if e.CorrelationID != nil && *e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) LogsByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]store.LogEntry, error) {
	var out []store.LogEntry
	for _, e := range f.logs {
		if e.RecordID != nil && *e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) StagePercentiles(ctx context.Context, stage domain.Stage) (*store.StageMetrics, error) {
	return &store.StageMetrics{Stage: stage, Samples: 12, MeanMS: 340, P95MS: 900}, nil
}

func (f *fakeStore) ResetStuck(ctx context.Context, maxAge string) (int, error) {
	return f.resetCount, nil
}

func (f *fakeStore) ResetStage(ctx context.Context, stage domain.Stage, statuses []domain.StageStatus) ([]uuid.UUID, error) {
	return f.ListRecordIDs(ctx, store.RecordFilter{Stage: stage, Statuses: statuses})
}

func (f *fakeStore) UnlockPipelines(ctx context.Context) (int, int, error) { return 3, 2, nil }

func (f *fakeStore) DuplicateNameGroups(ctx context.Context) ([][]uuid.UUID, error) {
	return f.dupGroups, nil
}

func (f *fakeStore) MergeDuplicates(ctx context.Context, primaryID, duplicateID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, [2]uuid.UUID{primaryID, duplicateID})
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

type enqueueCall struct {
	stage domain.Stage
	job   queue.RecordJob
	delay time.Duration
}

// fakeQueue records enqueues and serves canned queue state.
type fakeQueue struct {
	mu         sync.Mutex
	calls      []enqueueCall
	enqueueErr error
	countsErr  error
	counts     map[string]queue.Counts
	pausedSet  map[string]bool
	recent     []queue.JobSummary
	unhealthy  bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pausedSet: map[string]bool{}, counts: map[string]queue.Counts{}}
}

func (f *fakeQueue) EnqueueStage(ctx context.Context, stage domain.Stage, job queue.RecordJob, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.calls = append(f.calls, enqueueCall{stage: stage, job: job, delay: delay})
	return nil
}

func (f *fakeQueue) EnqueueAnalysis(ctx context.Context, job queue.RecordJob, photoID uuid.UUID, delay time.Duration) error {
	return f.EnqueueStage(ctx, domain.StageAnalysis, job, delay)
}

func (f *fakeQueue) EnqueueDuplicateCheck(ctx context.Context, job queue.RecordJob) error {
	return f.EnqueueStage(ctx, "duplicates", job, 0)
}

func (f *fakeQueue) Pause(ctx context.Context, q string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pausedSet[q] = true
	return nil
}

func (f *fakeQueue) Resume(ctx context.Context, q string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pausedSet, q)
	return nil
}

func (f *fakeQueue) PausedQueues(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for q := range f.pausedSet {
		out = append(out, q)
	}
	return out, nil
}

func (f *fakeQueue) Counts(ctx context.Context) (map[string]queue.Counts, error) {
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	return f.counts, nil
}

func (f *fakeQueue) RecentJobs(ctx context.Context, q string, limit int) ([]queue.JobSummary, error) {
	return f.recent, nil
}

func (f *fakeQueue) Subscribe() (<-chan queue.Event, func()) {
	ch := make(chan queue.Event)
	return ch, func() {}
}

func (f *fakeQueue) Healthy() bool { return !f.unhealthy }

func (f *fakeQueue) enqueued() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueueCall, len(f.calls))
	copy(out, f.calls)
	return out
}
