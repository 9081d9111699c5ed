package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/riverqueue/river/rivertype"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/photostore"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

func jobRow(attempt, maxAttempts int) *rivertype.JobRow {
	return &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts}
}

// fakeStore is an in-memory Datastore.
type fakeStore struct {
	mu            sync.Mutex
	records       map[uuid.UUID]*domain.Record
	versions      map[uuid.UUID]int
	photos        []*domain.Photo
	logs          []store.LogEntry
	batches       map[uuid.UUID]*domain.Batch
	analysisCache map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:       make(map[uuid.UUID]*domain.Record),
		versions:      make(map[uuid.UUID]int),
		batches:       make(map[uuid.UUID]*domain.Batch),
		analysisCache: make(map[string][]byte),
	}
}

func (s *fakeStore) put(r *domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.records[r.ID] = &cp
	s.versions[r.ID] = 1
}

func (s *fakeStore) get(id uuid.UUID) *domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.records[id]
	return &cp
}

func (s *fakeStore) GetRecord(ctx context.Context, id uuid.UUID) (*domain.Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	cp := *r
	return &cp, s.versions[id], nil
}

func (s *fakeStore) UpdateRecord(ctx context.Context, r *domain.Record, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		return store.ErrNotFound
	}
	if s.versions[r.ID] != version {
		return store.ErrStale
	}
	cp := *r
	s.records[r.ID] = &cp
	s.versions[r.ID] = version + 1
	return nil
}

func (s *fakeStore) IncrementBatch(ctx context.Context, id uuid.UUID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Processed++
	if success {
		b.Success++
	} else {
		b.Failed++
	}
	return nil
}

func (s *fakeStore) AppendLog(ctx context.Context, e store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

func (s *fakeStore) InsertPhotos(ctx context.Context, photos []*domain.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range photos {
		cp := *p
		s.photos = append(s.photos, &cp)
	}
	return nil
}

func (s *fakeStore) ListPhotos(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Photo
	for _, p := range s.photos {
		if p.RecordID == recordID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) PhotosPendingAnalysis(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Photo
	for _, p := range s.photos {
		if p.RecordID == recordID && !p.AnalyzedByAI {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPhotoAnalyzed(ctx context.Context, id uuid.UUID, category domain.PhotoCategory, analysis map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.photos {
		if p.ID == id {
			p.AnalyzedByAI = true
			p.Category = category
			p.AnalysisResult = analysis
			if hash, ok := analysis["file_hash"].(string); ok {
				p.FileHash = &hash
			}
			now := time.Now()
			p.AnalyzedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeStore) MarkErrorPhotosAnalyzed(ctx context.Context, recordID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.photos {
		if p.RecordID == recordID && !p.AnalyzedByAI && p.AnalysisResult["error"] != nil {
			p.AnalyzedByAI = true
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) FindPhotoByHash(ctx context.Context, hash string) (*domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.photos {
		if p.AnalyzedByAI && p.FileHash != nil && *p.FileHash == hash {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetAnalysisCache(ctx context.Context, photoHash, promptVersion, modelID string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.analysisCache[photoHash+"|"+promptVersion+"|"+modelID]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (s *fakeStore) PutAnalysisCache(ctx context.Context, photoHash, promptVersion, modelID string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.analysisCache[photoHash+"|"+promptVersion+"|"+modelID] = raw
	return nil
}

func (s *fakeStore) FindDuplicatesByAddress(ctx context.Context, recordID uuid.UUID, addressNormalized string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, r := range s.records {
		if id != recordID && r.AddressNormalized != nil && *r.AddressNormalized == addressNormalized {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) FindDuplicatesNearby(ctx context.Context, recordID uuid.UUID, lat, lng float64) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	const window = 0.00045
	var out []uuid.UUID
	for id, r := range s.records {
		if id == recordID || r.Lat == nil || r.Lng == nil {
			continue
		}
		if abs(*r.Lat-lat) <= window && abs(*r.Lng-lng) <= window {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) FindCompaniesWithPartnerCPF(ctx context.Context, cpf string) ([]domain.CPFPartnerRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CPFPartnerRelation
	for id, r := range s.records {
		for _, p := range r.Partners {
			if store.MaskedCPFMatch(p.TaxID, cpf) {
				out = append(out, domain.CPFPartnerRelation{
					CompanyID:   id,
					CompanyName: deref(r.LegalName),
					CompanyCNPJ: r.Document,
					PartnerRole: p.Role,
					Since:       p.Since,
				})
			}
		}
	}
	return out, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// fakeQueue records every enqueue.
type fakeQueue struct {
	queue.Noop
	mu       sync.Mutex
	enqueued []string
}

func (q *fakeQueue) EnqueueStage(ctx context.Context, stage domain.Stage, job queue.RecordJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, string(stage))
	return nil
}

func (q *fakeQueue) EnqueueAnalysis(ctx context.Context, job queue.RecordJob, photoID uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, "analysis")
	return nil
}

func (q *fakeQueue) EnqueueDuplicateCheck(ctx context.Context, job queue.RecordJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, "duplicates")
	return nil
}

func (q *fakeQueue) chained() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

type fakeCNPJ struct {
	lookup *providers.CNPJLookup
	err    error
}

func (f *fakeCNPJ) Lookup(ctx context.Context, cnpj string) (*providers.CNPJLookup, error) {
	return f.lookup, f.err
}

type fakeCPF struct {
	lookup *providers.CPFLookup
	err    error
}

func (f *fakeCPF) Lookup(ctx context.Context, cpf string) (*providers.CPFLookup, error) {
	return f.lookup, f.err
}

type fakeGeocoder struct {
	name   string
	result *providers.GeocodeResult
	err    error
}

func (f *fakeGeocoder) Name() string { return f.name }

func (f *fakeGeocoder) Geocode(ctx context.Context, address, city, state string) (*providers.GeocodeResult, error) {
	return f.result, f.err
}

type fakePlaces struct {
	nearby     *providers.PlaceResult
	text       *providers.PlaceResult
	details    *providers.PlaceResult
	photoData  []byte
	photoMedia string
	photoErr   error
}

func (f *fakePlaces) SearchNearby(ctx context.Context, name string, lat, lng float64, radiusMeters int) (*providers.PlaceResult, error) {
	if f.nearby == nil {
		return nil, &providers.Error{Provider: "places", Kind: providers.KindNotFound, Message: "zero results"}
	}
	return f.nearby, nil
}

func (f *fakePlaces) SearchText(ctx context.Context, query string) (*providers.PlaceResult, error) {
	if f.text == nil {
		return nil, &providers.Error{Provider: "places", Kind: providers.KindNotFound, Message: "zero results"}
	}
	return f.text, nil
}

func (f *fakePlaces) Details(ctx context.Context, placeID string) (*providers.PlaceResult, error) {
	if f.details == nil {
		return nil, &providers.Error{Provider: "places", Kind: providers.KindNotFound, Message: "no details"}
	}
	return f.details, nil
}

func (f *fakePlaces) FetchPhoto(ctx context.Context, photoRef string, maxWidth int) ([]byte, string, error) {
	if f.photoErr != nil {
		return nil, "", f.photoErr
	}
	return f.photoData, f.photoMedia, nil
}

type fakePhotoStore struct {
	mu    sync.Mutex
	files map[uuid.UUID][]byte
	media map[uuid.UUID]string
}

func newFakePhotoStore() *fakePhotoStore {
	return &fakePhotoStore{files: make(map[uuid.UUID][]byte), media: make(map[uuid.UUID]string)}
}

func (f *fakePhotoStore) Save(id uuid.UUID, mediaType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = data
	f.media[id] = mediaType
	return id.String() + ".jpg", nil
}

func (f *fakePhotoStore) Read(id uuid.UUID, fileName string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[id]
	if !ok {
		return nil, "", fmt.Errorf("read %s: %w", id, photostore.ErrNotFound)
	}
	return data, f.media[id], nil
}

type fakeText struct {
	response string
	err      error
}

func (f *fakeText) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}

type fakeVision struct {
	model        string
	classifyResp string
	deepResp     string
	err          error
	calls        int
}

func (f *fakeVision) Model() string {
	if f.model == "" {
		return "fake-vision"
	}
	return f.model
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mediaType string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if strings.Contains(systemPrompt, "Classify") {
		return f.classifyResp, nil
	}
	return f.deepResp, nil
}

// rendezvous couples two provider fakes: each side announces its call and
// then waits for the other, so a call only returns once both are in flight.
// A caller running the pair one after the other blocks until the context
// expires.
type rendezvous struct {
	self chan struct{}
	peer chan struct{}
}

func newRendezvous() (*rendezvous, *rendezvous) {
	a := make(chan struct{})
	b := make(chan struct{})
	return &rendezvous{self: a, peer: b}, &rendezvous{self: b, peer: a}
}

func (r *rendezvous) meet(ctx context.Context) error {
	close(r.self)
	select {
	case <-r.peer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rendezvousGeocoder struct {
	inner *fakeGeocoder
	rv    *rendezvous
}

func (g *rendezvousGeocoder) Name() string { return g.inner.name }

func (g *rendezvousGeocoder) Geocode(ctx context.Context, address, city, state string) (*providers.GeocodeResult, error) {
	if err := g.rv.meet(ctx); err != nil {
		return nil, err
	}
	return g.inner.Geocode(ctx, address, city, state)
}

type rendezvousText struct {
	inner *fakeText
	rv    *rendezvous
}

func (f *rendezvousText) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := f.rv.meet(ctx); err != nil {
		return "", err
	}
	return f.inner.Complete(ctx, systemPrompt, userPrompt)
}

type rendezvousPlaces struct {
	inner    *fakePlaces
	nearbyRV *rendezvous
	textRV   *rendezvous
}

func (f *rendezvousPlaces) SearchNearby(ctx context.Context, name string, lat, lng float64, radiusMeters int) (*providers.PlaceResult, error) {
	if err := f.nearbyRV.meet(ctx); err != nil {
		return nil, err
	}
	return f.inner.SearchNearby(ctx, name, lat, lng, radiusMeters)
}

func (f *rendezvousPlaces) SearchText(ctx context.Context, query string) (*providers.PlaceResult, error) {
	if err := f.textRV.meet(ctx); err != nil {
		return nil, err
	}
	return f.inner.SearchText(ctx, query)
}

func (f *rendezvousPlaces) Details(ctx context.Context, placeID string) (*providers.PlaceResult, error) {
	return f.inner.Details(ctx, placeID)
}

func (f *rendezvousPlaces) FetchPhoto(ctx context.Context, photoRef string, maxWidth int) ([]byte, string, error) {
	return f.inner.FetchPhoto(ctx, photoRef, maxWidth)
}

func testDeps(fs *fakeStore, fq *fakeQueue) *Deps {
	return &Deps{
		Log:   slog.New(slog.DiscardHandler),
		Store: fs,
		Queue: fq,
		Clock: clockwork.NewFakeClock(),
	}
}
