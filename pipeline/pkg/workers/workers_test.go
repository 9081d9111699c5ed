package workers

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/require"

	"github.com/prospectaio/prospecta/pipeline/pkg/analyst"
	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

func pendingRecord(document string) *domain.Record {
	doc, kind := domain.DetectDocumentKind(document)
	return &domain.Record{
		ID:           uuid.New(),
		Document:     doc,
		DocumentKind: kind,
		NameRaw:      "Padaria Pão Quente",
		AddressRaw:   "R. das Flores, 123",
		CityRaw:      "sao paulo",
		StateRaw:     "São Paulo",
		Stages:       domain.PendingStages(),
	}
}

func docJob(rj queue.RecordJob) *river.Job[queue.DocLookupArgs] {
	return &river.Job[queue.DocLookupArgs]{JobRow: jobRow(1, 5), Args: queue.DocLookupArgs{RecordJob: rj}}
}

func TestDocLookupCNPJSuccess(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	opening := time.Date(2015, 3, 10, 0, 0, 0, 0, time.UTC)
	d := testDeps(fs, fq)
	d.CNPJ = &fakeCNPJ{lookup: &providers.CNPJLookup{
		Document:    "11222333000181",
		LegalName:   "PAO QUENTE LTDA",
		TradeName:   "Padaria Pão Quente",
		Status:      "ATIVA",
		OpeningDate: &opening,
		Address:     "Rua das Flores, 123",
		City:        "São Paulo",
		State:       "SP",
		Partners:    []domain.Partner{{Name: "Maria", TaxID: "***982247**", Role: "Sócio-Administrador"}},
	}}
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}
	err := w.Work(context.Background(), docJob(queue.RecordJob{RecordID: rec.ID}))
	require.NoError(t, err)

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.DocLookup.Status)
	require.True(t, got.DocumentValidated)
	require.Equal(t, "PAO QUENTE LTDA", *got.LegalName)
	require.Equal(t, "ATIVA", *got.RegistryStatus)
	require.Len(t, got.Partners, 1)
	require.False(t, got.AddressDivergence)
	require.Equal(t, []string{"normalization"}, fq.chained())
}

func TestDocLookupDivergentAddressSetsFlag(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	rec.AddressRaw = "R. Z, 999"
	fs.put(rec)

	d := testDeps(fs, fq)
	d.CNPJ = &fakeCNPJ{lookup: &providers.CNPJLookup{
		LegalName: "PAO QUENTE LTDA",
		Status:    "ATIVA",
		Address:   "Avenida Brigadeiro Faria Lima, 4440",
	}}
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}
	require.NoError(t, w.Work(context.Background(), docJob(queue.RecordJob{RecordID: rec.ID})))

	got := fs.get(rec.ID)
	require.True(t, got.AddressDivergence)
	require.Contains(t, got.Alerts, "input address diverges from registry address")
}

func TestDocLookupInvalidDocument(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("12345")
	fs.put(rec)

	d := testDeps(fs, fq)
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}
	require.NoError(t, w.Work(context.Background(), docJob(queue.RecordJob{RecordID: rec.ID})))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusNotApplicable, got.Stages.DocLookup.Status)
	require.Equal(t, domain.DocumentInvalid, got.DocumentKind)
	require.Contains(t, got.Alerts, "CRITICAL: Document invalid — only 5 digits")
	// Normalization still runs against the raw data.
	require.Equal(t, []string{"normalization"}, fq.chained())
}

func TestDocLookupCPFChecksumFallback(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("529.982.247-25")
	fs.put(rec)

	d := testDeps(fs, fq)
	d.CPF = &fakeCPF{err: &providers.Error{Provider: "cpf", Kind: providers.KindAuthExpired, Message: "both endpoints rejected"}}
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}
	require.NoError(t, w.Work(context.Background(), docJob(queue.RecordJob{RecordID: rec.ID})))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.DocLookup.Status)
	require.Equal(t, "validated-only", *got.CPFStatus)
	require.Contains(t, got.Alerts, "CPF validated by checksum only, registries unavailable")
}

func TestDocLookupMissingRecordDropsJob(t *testing.T) {
	d := testDeps(newFakeStore(), &fakeQueue{})
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}
	err := w.Work(context.Background(), docJob(queue.RecordJob{RecordID: uuid.New()}))
	require.NoError(t, err)
}

func TestDocLookupBatchLedger(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)
	batchID := uuid.New()
	fs.batches[batchID] = &domain.Batch{ID: batchID, Total: 1}

	d := testDeps(fs, fq)
	d.CNPJ = &fakeCNPJ{lookup: &providers.CNPJLookup{LegalName: "X", Status: "ATIVA"}}
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}
	require.NoError(t, w.Work(context.Background(), docJob(queue.RecordJob{RecordID: rec.ID, BatchID: &batchID})))

	require.Equal(t, 1, fs.batches[batchID].Processed)
	require.Equal(t, 1, fs.batches[batchID].Success)
	require.NotEmpty(t, fs.logs)
}

func TestNormalizationCrossValidates(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	d := testDeps(fs, fq)
	d.NormalizerA = &fakeText{response: `{"address": "Rua das Flores, 123", "city": "São Paulo", "state": "SP", "changes": ["R. -> Rua"]}`}
	d.NormalizerB = &fakeText{response: `{"address": "Rua das Flores, 123", "city": "São Paulo", "state": "SP"}`}
	require.NoError(t, d.Validate())

	w := &NormalizationWorker{deps: d}
	job := &river.Job[queue.NormalizationArgs]{JobRow: jobRow(1, 5), Args: queue.NormalizationArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Normalization.Status)
	require.Equal(t, "Rua das Flores, 123", *got.AddressNormalized)
	require.Equal(t, "SP", *got.StateNormalized)
	require.GreaterOrEqual(t, *got.NormalizationConfidence, 95)
	require.Equal(t, []string{"geocoding", "duplicates"}, fq.chained())
}

func TestNormalizationEmptyAddressIncomplete(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	rec.AddressRaw = ""
	fs.put(rec)

	d := testDeps(fs, fq)
	require.NoError(t, d.Validate())

	w := &NormalizationWorker{deps: d}
	job := &river.Job[queue.NormalizationArgs]{JobRow: jobRow(1, 5), Args: queue.NormalizationArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusIncomplete, got.Stages.Normalization.Status)
	require.Equal(t, 0, *got.NormalizationConfidence)
	// City and state still get the rule-based fix for the geocoder.
	require.Equal(t, "SP", *got.StateNormalized)
	require.Contains(t, fq.chained(), "geocoding")
}

// Both model calls block until the other arrives. If the worker ran them one
// after the other, the first would sit until the deadline and reconciliation
// would see a single candidate instead of the cross-validated pair.
func TestNormalizationModelsRunConcurrently(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	rvA, rvB := newRendezvous()
	resp := `{"address": "Rua das Flores, 123", "city": "São Paulo", "state": "SP"}`
	d := testDeps(fs, fq)
	d.NormalizerA = &rendezvousText{inner: &fakeText{response: resp}, rv: rvA}
	d.NormalizerB = &rendezvousText{inner: &fakeText{response: resp}, rv: rvB}
	require.NoError(t, d.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &NormalizationWorker{deps: d}
	job := &river.Job[queue.NormalizationArgs]{JobRow: jobRow(1, 5), Args: queue.NormalizationArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(ctx, job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Normalization.Status)
	require.Equal(t, crossval.SourceCrossValidated, *got.NormalizationSource)
	require.Equal(t, 100, *got.NormalizationConfidence)
}

func TestGeocodingConsensus(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	addr := "Rua das Flores, 123"
	city, state := "São Paulo", "SP"
	rec.AddressNormalized, rec.CityNormalized, rec.StateNormalized = &addr, &city, &state
	fs.put(rec)

	d := testDeps(fs, fq)
	d.GeocoderA = &fakeGeocoder{name: "geocoder_a", result: &providers.GeocodeResult{Lat: -23.5613, Lng: -46.6565, FormattedAddress: "Rua das Flores, 123 - São Paulo"}}
	d.GeocoderB = &fakeGeocoder{name: "geocoder_b", result: &providers.GeocodeResult{Lat: -23.5614, Lng: -46.6566}}
	require.NoError(t, d.Validate())

	w := &GeocodingWorker{deps: d}
	job := &river.Job[queue.GeocodingArgs]{JobRow: jobRow(1, 5), Args: queue.GeocodingArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Geocoding.Status)
	require.InDelta(t, -23.5613, *got.Lat, 0.0001)
	require.Equal(t, 100, *got.GeocodingConfidence)
	require.True(t, got.GeoValidated)
	require.Equal(t, []string{"places"}, fq.chained())
}

func TestGeocodingBothMissFails(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	notFound := &providers.Error{Provider: "geocoder", Kind: providers.KindNotFound, Message: "zero results"}
	d := testDeps(fs, fq)
	d.GeocoderA = &fakeGeocoder{name: "geocoder_a", err: notFound}
	d.GeocoderB = &fakeGeocoder{name: "geocoder_b", err: notFound}
	require.NoError(t, d.Validate())

	w := &GeocodingWorker{deps: d}
	job := &river.Job[queue.GeocodingArgs]{JobRow: jobRow(1, 5), Args: queue.GeocodingArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusFail, got.Stages.Geocoding.Status)
	require.Empty(t, fq.chained(), "failed geocoding must not chain places")
}

// Full-consensus confidence with a divergence measurement requires both
// geocoders to answer; run sequentially the first call would expire and leave
// a single point.
func TestGeocodingProvidersRunConcurrently(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	addr := "Rua das Flores, 123"
	city, state := "São Paulo", "SP"
	rec.AddressNormalized, rec.CityNormalized, rec.StateNormalized = &addr, &city, &state
	fs.put(rec)

	rvA, rvB := newRendezvous()
	d := testDeps(fs, fq)
	d.GeocoderA = &rendezvousGeocoder{inner: &fakeGeocoder{name: "geocoder_a", result: &providers.GeocodeResult{Lat: -23.5613, Lng: -46.6565}}, rv: rvA}
	d.GeocoderB = &rendezvousGeocoder{inner: &fakeGeocoder{name: "geocoder_b", result: &providers.GeocodeResult{Lat: -23.5614, Lng: -46.6566}}, rv: rvB}
	require.NoError(t, d.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &GeocodingWorker{deps: d}
	job := &river.Job[queue.GeocodingArgs]{JobRow: jobRow(1, 5), Args: queue.GeocodingArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(ctx, job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Geocoding.Status)
	require.Equal(t, 100, *got.GeocodingConfidence)
	require.NotNil(t, got.GeocodingMaxDivergenceMeters)
}

func TestPlacesBothModesMatch(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	lat, lng := -23.5613, -46.6565
	rec.Lat, rec.Lng = &lat, &lng
	addr := "Rua das Flores, 123"
	rec.AddressNormalized = &addr
	fs.put(rec)

	place := &providers.PlaceResult{
		PlaceID:          "place-1",
		DisplayName:      "Padaria Pão Quente",
		FormattedAddress: "Rua das Flores, 123 - São Paulo",
	}
	details := &providers.PlaceResult{
		PlaceID:          "place-1",
		DisplayName:      "Padaria Pão Quente",
		FormattedAddress: "Rua das Flores, 123 - São Paulo",
		Rating:           4.6,
		ReviewCount:      320,
		Website:          "https://paoquente.example",
		Types:            []string{"bakery", "food"},
		OpeningHours: domain.OpeningHours{
			"monday": {{Open: "07:00", Close: "19:00"}},
			"sunday": {{Open: "07:00", Close: "12:00"}},
		},
		PhotoRefs: []string{"ref-a", "ref-b"},
	}

	d := testDeps(fs, fq)
	d.Places = &fakePlaces{nearby: place, text: place, details: details, photoData: []byte{0xFF, 0xD8}, photoMedia: "image/jpeg"}
	d.Photos = newFakePhotoStore()
	require.NoError(t, d.Validate())

	w := &PlacesWorker{deps: d}
	job := &river.Job[queue.PlacesArgs]{JobRow: jobRow(1, 5), Args: queue.PlacesArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Places.Status)
	require.Equal(t, "place-1", *got.PlaceID)
	require.Equal(t, 100, *got.PlaceCrossConfidence)
	require.Equal(t, domain.PlaceMethodBothMatch, got.PlaceCrossMethod)
	require.Equal(t, 4.6, *got.Rating)
	require.Equal(t, "bakery", *got.PlaceTypesPrimary)
	require.NotNil(t, got.PotentialScore)
	require.Positive(t, *got.PotentialScore)

	photos, err := fs.ListPhotos(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, photos, 2)
	require.NotNil(t, photos[0].FileName)
	require.NotNil(t, photos[0].ExternalRef)

	require.Equal(t, []string{"analysis"}, fq.chained())
}

func TestPlacesRejectionFails(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	// Completely unrelated establishment, no address corroboration.
	d := testDeps(fs, fq)
	d.Places = &fakePlaces{text: &providers.PlaceResult{
		PlaceID:          "other",
		DisplayName:      "Oficina Mecânica Turbo",
		FormattedAddress: "Avenida Industrial, 9000 - Guarulhos",
	}}
	require.NoError(t, d.Validate())

	w := &PlacesWorker{deps: d}
	job := &river.Job[queue.PlacesArgs]{JobRow: jobRow(1, 5), Args: queue.PlacesArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusFail, got.Stages.Places.Status)
	require.Nil(t, got.PlaceID)
	require.Empty(t, fq.chained())
}

// BOTH_MATCH requires the nearby and text searches to answer together; run
// sequentially the nearby call would expire and only the text result would
// survive.
func TestPlacesSearchModesRunConcurrently(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	lat, lng := -23.5613, -46.6565
	rec.Lat, rec.Lng = &lat, &lng
	addr := "Rua das Flores, 123"
	rec.AddressNormalized = &addr
	fs.put(rec)

	place := &providers.PlaceResult{
		PlaceID:          "place-1",
		DisplayName:      "Padaria Pão Quente",
		FormattedAddress: "Rua das Flores, 123 - São Paulo",
	}
	nearbyRV, textRV := newRendezvous()
	d := testDeps(fs, fq)
	d.Places = &rendezvousPlaces{
		inner:    &fakePlaces{nearby: place, text: place, details: place},
		nearbyRV: nearbyRV,
		textRV:   textRV,
	}
	require.NoError(t, d.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &PlacesWorker{deps: d}
	job := &river.Job[queue.PlacesArgs]{JobRow: jobRow(1, 5), Args: queue.PlacesArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(ctx, job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Places.Status)
	require.Equal(t, domain.PlaceMethodBothMatch, got.PlaceCrossMethod)
}

func TestAnalysisClassifiesAndAggregates(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	rec.DocumentValidated = true
	conf := 90
	rec.NormalizationConfidence = &conf
	rec.GeocodingConfidence = &conf
	rec.PlaceCrossConfidence = &conf
	match := 85
	rec.NomeFantasiaMatch = &match
	active := "ATIVA"
	rec.RegistryStatus = &active
	fs.put(rec)

	photoStore := newFakePhotoStore()
	photo := &domain.Photo{ID: uuid.New(), RecordID: rec.ID, Ordinal: 0}
	name, err := photoStore.Save(photo.ID, "image/jpeg", []byte{0xFF, 0xD8, 0x01})
	require.NoError(t, err)
	photo.FileName = &name
	require.NoError(t, fs.InsertPhotos(context.Background(), []*domain.Photo{photo}))

	d := testDeps(fs, fq)
	d.Photos = photoStore
	d.VisionPre = &fakeVision{classifyResp: `{"category": "FACADE", "confidence": 92}`}
	d.VisionDeep = &fakeVision{
		classifyResp: `{"category": "FACADE", "confidence": 88}`,
		deepResp: `{"signage_quality": "GOOD", "branding_present": true, "professionalism_level": "HIGH",
			"audience": "familiar", "ambience": "bairro residencial", "visual_indicators": {"awning": "new"}, "confidence": 82}`,
	}
	require.NoError(t, d.Validate())

	w := &AnalysisWorker{deps: d}
	job := &river.Job[queue.AnalysisArgs]{JobRow: jobRow(1, 5), Args: queue.AnalysisArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Analysis.Status)
	require.Equal(t, domain.SignageGood, got.SignageQuality)
	require.Equal(t, domain.ProfessionalismHigh, got.ProfessionalismLevel)
	require.Equal(t, 82, *got.VisualAnalysisConfidence)
	require.Equal(t, 2, got.AnalysisSourcesAvailable)
	require.NotNil(t, got.ConfidenceOverall)
	require.Positive(t, *got.ConfidenceOverall)
	require.NotEmpty(t, got.ConfidenceLevel)

	photos, err := fs.ListPhotos(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, photos[0].AnalyzedByAI)
	require.Equal(t, domain.PhotoFacade, photos[0].Category)

	require.Equal(t, []string{"analyst"}, fq.chained())
}

// A cached photo verdict belongs to the model configuration that produced
// it: the same model reuses it without a new call, a different model
// re-analyzes instead of serving the stale verdict.
func TestAnalysisCacheKeyedOnModel(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	data := []byte{0xFF, 0xD8, 0x42}
	first := &domain.Photo{ID: uuid.New(), RecordID: rec.ID, Ordinal: 0}
	second := &domain.Photo{ID: uuid.New(), RecordID: rec.ID, Ordinal: 1}
	third := &domain.Photo{ID: uuid.New(), RecordID: rec.ID, Ordinal: 2}
	require.NoError(t, fs.InsertPhotos(context.Background(), []*domain.Photo{first, second, third}))

	d := testDeps(fs, fq)
	visionOld := &fakeVision{model: "vision-1", classifyResp: `{"category": "FACADE", "confidence": 92}`}
	d.VisionPre = visionOld
	require.NoError(t, d.Validate())
	w := &AnalysisWorker{deps: d}

	cat, err := w.classify(context.Background(), rec, *first, data, "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, domain.PhotoFacade, cat)
	require.Equal(t, 1, visionOld.calls)

	// Same model, same bytes: served from the cache without a model call.
	cat, err = w.classify(context.Background(), rec, *second, data, "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, domain.PhotoFacade, cat)
	require.Equal(t, 1, visionOld.calls)

	// A different model must not see the old verdict.
	visionNew := &fakeVision{model: "vision-2", classifyResp: `{"category": "INTERIOR", "confidence": 90}`}
	d.VisionPre = visionNew
	cat, err = w.classify(context.Background(), rec, *third, data, "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, domain.PhotoInterior, cat)
	require.Equal(t, 1, visionNew.calls)
}

func TestAnalysisSkipsAnalystWhenVerdictExists(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	rec.AnalystStatus = domain.AnalystApproved
	fs.put(rec)

	d := testDeps(fs, fq)
	require.NoError(t, d.Validate())

	w := &AnalysisWorker{deps: d}
	job := &river.Job[queue.AnalysisArgs]{JobRow: jobRow(1, 5), Args: queue.AnalysisArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	require.Empty(t, fq.chained())
}

func TestDuplicateWorkerFlagsBothSides(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	addr := "Rua das Flores, 123"

	peer := pendingRecord("98.765.432/0001-10")
	peer.AddressNormalized = &addr
	fs.put(peer)

	rec := pendingRecord("11.222.333/0001-81")
	rec.AddressNormalized = &addr
	fs.put(rec)

	d := testDeps(fs, fq)
	require.NoError(t, d.Validate())

	w := &DuplicateWorker{deps: d}
	job := &river.Job[queue.DuplicateArgs]{JobRow: jobRow(1, 5), Args: queue.DuplicateArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, []uuid.UUID{peer.ID}, got.DuplicateAddressIDs)
	require.True(t, got.DuplicateAlert)

	gotPeer := fs.get(peer.ID)
	require.Contains(t, gotPeer.DuplicateAddressIDs, rec.ID)
	require.True(t, gotPeer.DuplicateAlert)
}

func TestDuplicateWorkerQSACheck(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}

	company := pendingRecord("11.222.333/0001-81")
	legal := "PAO QUENTE LTDA"
	company.LegalName = &legal
	company.Partners = []domain.Partner{{Name: "Maria", TaxID: "***982247**", Role: "Sócio-Administrador", Since: "2015-03-10"}}
	fs.put(company)

	cpfRec := pendingRecord("529.982.247-25")
	fs.put(cpfRec)

	d := testDeps(fs, fq)
	require.NoError(t, d.Validate())

	w := &DuplicateWorker{deps: d}
	job := &river.Job[queue.DuplicateArgs]{JobRow: jobRow(1, 5), Args: queue.DuplicateArgs{RecordJob: queue.RecordJob{RecordID: cpfRec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(cpfRec.ID)
	require.NotNil(t, got.CPFIsPartner)
	require.True(t, *got.CPFIsPartner)
	require.Equal(t, company.ID, got.CPFPartnerRelation.CompanyID)
	require.Equal(t, "Sócio-Administrador", got.CPFPartnerRelation.PartnerRole)
}

func TestDuplicateWorkerCPFNotPartnerAlert(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	cpfRec := pendingRecord("529.982.247-25")
	fs.put(cpfRec)

	d := testDeps(fs, fq)
	require.NoError(t, d.Validate())

	w := &DuplicateWorker{deps: d}
	job := &river.Job[queue.DuplicateArgs]{JobRow: jobRow(1, 5), Args: queue.DuplicateArgs{RecordJob: queue.RecordJob{RecordID: cpfRec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(cpfRec.ID)
	require.NotNil(t, got.CPFIsPartner)
	require.False(t, *got.CPFIsPartner)
	require.Contains(t, got.Alerts, "CPF not found in any partner list")
}

func TestAnalystWorkerPersistsVerdict(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	rec.DocumentValidated = true
	fs.put(rec)

	d := testDeps(fs, fq)
	d.Analyst = analyst.New(slog.New(slog.DiscardHandler), &fakeText{
		response: `{"status": "APPROVED_WITH_CAVEATS", "confidence_overall": 72,
			"secondary_alerts": ["no website"], "executive_summary": "Good lead."}`,
	})
	require.NoError(t, d.Validate())

	w := &AnalystWorker{deps: d}
	job := &river.Job[queue.AnalystArgs]{JobRow: jobRow(1, 5), Args: queue.AnalystArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.NoError(t, w.Work(context.Background(), job))

	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusSuccess, got.Stages.Analyst.Status)
	require.Equal(t, domain.AnalystApprovedCaveats, got.AnalystStatus)
	require.Equal(t, 72, *got.AnalystConfidence)
	require.Equal(t, "Good lead.", *got.AnalystSummary)
	require.NotNil(t, got.AnalystProcessedAt)
	require.Empty(t, fq.chained(), "analyst is terminal")
}

func TestRunStageLastAttemptFailureMarksStage(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQueue{}
	rec := pendingRecord("11.222.333/0001-81")
	fs.put(rec)

	d := testDeps(fs, fq)
	d.CNPJ = &fakeCNPJ{err: &providers.Error{Provider: "cnpj", Kind: providers.KindTransientNetwork, Message: "connection reset"}}
	require.NoError(t, d.Validate())

	w := &DocLookupWorker{deps: d}

	// Not the last attempt: the error propagates so the queue retries.
	job := &river.Job[queue.DocLookupArgs]{JobRow: jobRow(1, 5), Args: queue.DocLookupArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.Error(t, w.Work(context.Background(), job))
	require.Equal(t, domain.StatusProcessing, fs.get(rec.ID).Stages.DocLookup.Status)

	// Last attempt: the stage is marked FAIL and normalization still chains.
	job = &river.Job[queue.DocLookupArgs]{JobRow: jobRow(5, 5), Args: queue.DocLookupArgs{RecordJob: queue.RecordJob{RecordID: rec.ID}}}
	require.Error(t, w.Work(context.Background(), job))
	got := fs.get(rec.ID)
	require.Equal(t, domain.StatusFail, got.Stages.DocLookup.Status)
	require.NotNil(t, got.Stages.DocLookup.Error)
	require.Contains(t, fq.chained(), "normalization")
}
