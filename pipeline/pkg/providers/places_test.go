package providers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPlacesTestClient(t *testing.T, handler http.HandlerFunc) *PlacesClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewPlacesClient(PlacesClientConfig{
		Log:     slog.New(slog.DiscardHandler),
		BaseURL: srv.URL,
		APIKey:  "secret",
	})
	require.NoError(t, err)
	return p
}

func TestSearchNearby(t *testing.T) {
	p := newPlacesTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/nearbysearch", r.URL.Path)
		require.Equal(t, "Padaria do Zé", r.URL.Query().Get("keyword"))
		_, _ = w.Write([]byte(`{
			"status": "OK",
			"results": [{
				"place_id": "pid-1",
				"name": "Padaria do Zé",
				"vicinity": "Rua das Flores, 123 - Centro",
				"rating": 4.6,
				"user_ratings_total": 210,
				"business_status": "OPERATIONAL",
				"types": ["bakery", "food"],
				"geometry": {"location": {"lat": -23.5505, "lng": -46.6333}},
				"photos": [
					{"photo_reference": "ref-1"},
					{"photo_reference": "ref-2"},
					{"photo_reference": "ref-3"},
					{"photo_reference": "ref-4"}
				]
			}]
		}`))
	})

	got, err := p.SearchNearby(context.Background(), "Padaria do Zé", -23.5505, -46.6333, 200)
	require.NoError(t, err)
	require.Equal(t, "pid-1", got.PlaceID)
	require.Equal(t, "Rua das Flores, 123 - Centro", got.FormattedAddress)
	require.Equal(t, 210, got.ReviewCount)
	require.Len(t, got.PhotoRefs, 3, "photo references are capped")
}

func TestSearchTextZeroResults(t *testing.T) {
	p := newPlacesTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ZERO_RESULTS", "results": []}`))
	})

	_, err := p.SearchText(context.Background(), "estabelecimento inexistente")
	require.True(t, IsNotFound(err))
}

func TestSearchOverQueryLimit(t *testing.T) {
	p := newPlacesTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "OVER_QUERY_LIMIT", "results": []}`))
	})

	_, err := p.SearchText(context.Background(), "padaria")
	require.Equal(t, KindRateLimited, KindOf(err))
}

func TestDetails(t *testing.T) {
	p := newPlacesTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/details", r.URL.Path)
		require.Equal(t, "pid-1", r.URL.Query().Get("place_id"))
		_, _ = w.Write([]byte(`{
			"status": "OK",
			"result": {
				"place_id": "pid-1",
				"name": "Padaria do Zé",
				"formatted_address": "Rua das Flores, 123, São Paulo - SP",
				"formatted_phone_number": "(11) 3333-4444",
				"website": "https://padariadoze.com.br",
				"rating": 4.6,
				"user_ratings_total": 210,
				"geometry": {"location": {"lat": -23.5505, "lng": -46.6333}},
				"opening_hours": {
					"periods": [
						{"open": {"day": 1, "time": "0800"}, "close": {"day": 1, "time": "1800"}},
						{"open": {"day": 2, "time": "0800"}, "close": {"day": 2, "time": "1800"}}
					]
				}
			}
		}`))
	})

	got, err := p.Details(context.Background(), "pid-1")
	require.NoError(t, err)
	require.Equal(t, "(11) 3333-4444", got.Phone)
	require.Equal(t, "https://padariadoze.com.br", got.Website)
	require.Len(t, got.OpeningHours["monday"], 1)
	require.Equal(t, "08:00", got.OpeningHours["monday"][0].Open)
	require.Equal(t, 2, got.OpeningHours.OpenDaysPerWeek())
}

func TestFetchPhoto(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	p := newPlacesTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/photo", r.URL.Path)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(img)
	})

	data, contentType, err := p.FetchPhoto(context.Background(), "ref-1", 800)
	require.NoError(t, err)
	require.Equal(t, img, data)
	require.Equal(t, "image/jpeg", contentType)
}

func TestFetchPhotoRejectsNonImage(t *testing.T) {
	p := newPlacesTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>denied</html>"))
	})

	_, _, err := p.FetchPhoto(context.Background(), "ref-1", 0)
	require.Equal(t, KindImageFormatInvalid, KindOf(err))
}
