package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prospectaio/prospecta/api/metrics"
	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/utils/pkg/retry"
)

const placesProviderName = "places"

// PlaceResult is an establishment returned by the Places API.
type PlaceResult struct {
	PlaceID          string              `json:"placeId"`
	DisplayName      string              `json:"displayName"`
	FormattedAddress string              `json:"formattedAddress"`
	Lat              float64             `json:"lat"`
	Lng              float64             `json:"lng"`
	Rating           float64             `json:"rating,omitempty"`
	ReviewCount      int                 `json:"reviewCount,omitempty"`
	Phone            string              `json:"phone,omitempty"`
	Website          string              `json:"website,omitempty"`
	BusinessStatus   string              `json:"businessStatus,omitempty"`
	Types            []string            `json:"types,omitempty"`
	OpeningHours     domain.OpeningHours `json:"openingHours,omitempty"`
	PhotoRefs        []string            `json:"photoRefs,omitempty"`
}

// PlacesClientConfig configures the Places client.
type PlacesClientConfig struct {
	Log        *slog.Logger
	BaseURL    string
	APIKey     string
	Cache      cache.Cache
	HTTPClient *http.Client
	// MaxPhotos caps how many photo references a search returns per place.
	MaxPhotos int
}

func (c *PlacesClientConfig) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("log is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.Cache == nil {
		c.Cache = cache.Noop{}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if c.MaxPhotos <= 0 {
		c.MaxPhotos = 3
	}
	return nil
}

// PlacesClient searches establishments by proximity and by text, and
// downloads place photos.
type PlacesClient struct {
	log   *slog.Logger
	cfg   PlacesClientConfig
	retry retry.Config
}

func NewPlacesClient(cfg PlacesClientConfig) (*PlacesClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate places client config: %w", err)
	}
	return &PlacesClient{log: cfg.Log, cfg: cfg, retry: retry.DefaultConfig()}, nil
}

// SearchNearby finds the best-rated establishment matching name within
// radiusMeters of the coordinates.
func (p *PlacesClient) SearchNearby(ctx context.Context, name string, lat, lng float64, radiusMeters int) (*PlaceResult, error) {
	key := fmt.Sprintf("nearby:%s:%.5f:%.5f:%d", strings.ToLower(name), lat, lng, radiusMeters)
	params := url.Values{
		"keyword":  {name},
		"location": {fmt.Sprintf("%f,%f", lat, lng)},
		"radius":   {fmt.Sprintf("%d", radiusMeters)},
	}
	return p.search(ctx, "/nearbysearch", key, params)
}

// SearchText finds the best establishment for a free-text query, typically
// "<name> <address> <city>".
func (p *PlacesClient) SearchText(ctx context.Context, query string) (*PlaceResult, error) {
	key := "text:" + strings.ToLower(query)
	params := url.Values{"query": {query}, "region": {"br"}}
	return p.search(ctx, "/textsearch", key, params)
}

func (p *PlacesClient) search(ctx context.Context, path, cacheKey string, params url.Values) (*PlaceResult, error) {
	var cached PlaceResult
	if hit, err := p.cfg.Cache.Get(ctx, cache.NamespacePlaces, cacheKey, &cached); err == nil && hit {
		metrics.RecordCacheOperation(cache.NamespacePlaces, "hit")
		return &cached, nil
	}
	metrics.RecordCacheOperation(cache.NamespacePlaces, "miss")

	var out *PlaceResult
	err := retry.Do(ctx, p.retry, func() error {
		res, err := p.fetch(ctx, path, params)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.cfg.Cache.Set(ctx, cache.NamespacePlaces, cacheKey, out); err != nil {
		p.log.Warn("places: failed to cache result", "error", err)
	}
	return out, nil
}

func (p *PlacesClient) fetch(ctx context.Context, path string, params url.Values) (*PlaceResult, error) {
	start := time.Now()

	params.Set("key", p.cfg.APIKey)
	u := p.cfg.BaseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build places request: %w", err)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, networkError(placesProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(placesProviderName, resp)
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), perr)
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, networkError(placesProviderName, err)
	}

	var raw struct {
		Status  string `json:"status"`
		Results []struct {
			PlaceID          string   `json:"place_id"`
			Name             string   `json:"name"`
			FormattedAddress string   `json:"formatted_address"`
			Vicinity         string   `json:"vicinity"`
			Rating           float64  `json:"rating"`
			UserRatingsTotal int      `json:"user_ratings_total"`
			BusinessStatus   string   `json:"business_status"`
			Types            []string `json:"types"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
			Photos []struct {
				PhotoReference string `json:"photo_reference"`
			} `json:"photos"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, parseError(placesProviderName, err)
	}
	metrics.RecordProviderRequest(placesProviderName, time.Since(start), nil)

	switch raw.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, &Error{Provider: placesProviderName, Kind: KindNotFound, Message: "no places results"}
	case "OVER_QUERY_LIMIT":
		return nil, &Error{Provider: placesProviderName, Kind: KindRateLimited, Message: raw.Status, RetryAfterHint: 30 * time.Second}
	case "REQUEST_DENIED":
		return nil, &Error{Provider: placesProviderName, Kind: KindAuthExpired, Message: raw.Status}
	case "INVALID_REQUEST":
		return nil, &Error{Provider: placesProviderName, Kind: KindInvalidInput, Message: raw.Status}
	default:
		return nil, &Error{Provider: placesProviderName, Kind: KindInternal, Message: raw.Status}
	}
	if len(raw.Results) == 0 {
		return nil, &Error{Provider: placesProviderName, Kind: KindNotFound, Message: "no places results"}
	}

	r := raw.Results[0]
	out := &PlaceResult{
		PlaceID:        r.PlaceID,
		DisplayName:    r.Name,
		Lat:            r.Geometry.Location.Lat,
		Lng:            r.Geometry.Location.Lng,
		Rating:         r.Rating,
		ReviewCount:    r.UserRatingsTotal,
		BusinessStatus: r.BusinessStatus,
		Types:          r.Types,
	}
	out.FormattedAddress = r.FormattedAddress
	if out.FormattedAddress == "" {
		out.FormattedAddress = r.Vicinity
	}
	for i, ph := range r.Photos {
		if i >= p.cfg.MaxPhotos {
			break
		}
		out.PhotoRefs = append(out.PhotoRefs, ph.PhotoReference)
	}
	return out, nil
}

// Details completes a search result with phone, website and opening hours.
func (p *PlacesClient) Details(ctx context.Context, placeID string) (*PlaceResult, error) {
	cacheKey := "details:" + placeID

	var cached PlaceResult
	if hit, err := p.cfg.Cache.Get(ctx, cache.NamespacePlaces, cacheKey, &cached); err == nil && hit {
		metrics.RecordCacheOperation(cache.NamespacePlaces, "hit")
		return &cached, nil
	}
	metrics.RecordCacheOperation(cache.NamespacePlaces, "miss")

	var out *PlaceResult
	err := retry.Do(ctx, p.retry, func() error {
		res, err := p.fetchDetails(ctx, placeID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.cfg.Cache.Set(ctx, cache.NamespacePlaces, cacheKey, out); err != nil {
		p.log.Warn("places: failed to cache details", "error", err)
	}
	return out, nil
}

func (p *PlacesClient) fetchDetails(ctx context.Context, placeID string) (*PlaceResult, error) {
	start := time.Now()

	params := url.Values{
		"place_id": {placeID},
		"fields":   {"place_id,name,formatted_address,geometry,rating,user_ratings_total,formatted_phone_number,website,opening_hours,business_status,photos,types"},
		"key":      {p.cfg.APIKey},
	}
	u := p.cfg.BaseURL + "/details?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build place details request: %w", err)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, networkError(placesProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(placesProviderName, resp)
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), perr)
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, networkError(placesProviderName, err)
	}

	var raw struct {
		Status string `json:"status"`
		Result struct {
			PlaceID          string   `json:"place_id"`
			Name             string   `json:"name"`
			FormattedAddress string   `json:"formatted_address"`
			Rating           float64  `json:"rating"`
			UserRatingsTotal int      `json:"user_ratings_total"`
			Phone            string   `json:"formatted_phone_number"`
			Website          string   `json:"website"`
			BusinessStatus   string   `json:"business_status"`
			Types            []string `json:"types"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
			OpeningHours struct {
				Periods []struct {
					Open struct {
						Day  int    `json:"day"`
						Time string `json:"time"`
					} `json:"open"`
					Close struct {
						Day  int    `json:"day"`
						Time string `json:"time"`
					} `json:"close"`
				} `json:"periods"`
			} `json:"opening_hours"`
			Photos []struct {
				PhotoReference string `json:"photo_reference"`
			} `json:"photos"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, parseError(placesProviderName, err)
	}
	metrics.RecordProviderRequest(placesProviderName, time.Since(start), nil)

	if raw.Status == "NOT_FOUND" || raw.Status == "ZERO_RESULTS" {
		return nil, &Error{Provider: placesProviderName, Kind: KindNotFound, Message: "place not found"}
	}
	if raw.Status != "OK" {
		return nil, &Error{Provider: placesProviderName, Kind: KindInternal, Message: raw.Status}
	}

	r := raw.Result
	out := &PlaceResult{
		PlaceID:          r.PlaceID,
		DisplayName:      r.Name,
		FormattedAddress: r.FormattedAddress,
		Lat:              r.Geometry.Location.Lat,
		Lng:              r.Geometry.Location.Lng,
		Rating:           r.Rating,
		ReviewCount:      r.UserRatingsTotal,
		Phone:            r.Phone,
		Website:          r.Website,
		BusinessStatus:   r.BusinessStatus,
		Types:            r.Types,
	}
	for i, ph := range r.Photos {
		if i >= p.cfg.MaxPhotos {
			break
		}
		out.PhotoRefs = append(out.PhotoRefs, ph.PhotoReference)
	}

	if len(r.OpeningHours.Periods) > 0 {
		out.OpeningHours = domain.OpeningHours{}
		days := []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
		for _, period := range r.OpeningHours.Periods {
			if period.Open.Day < 0 || period.Open.Day > 6 || len(period.Open.Time) != 4 {
				continue
			}
			day := days[period.Open.Day]
			openT := period.Open.Time[:2] + ":" + period.Open.Time[2:]
			closeT := "24:00"
			if len(period.Close.Time) == 4 {
				closeT = period.Close.Time[:2] + ":" + period.Close.Time[2:]
			}
			out.OpeningHours[day] = append(out.OpeningHours[day], domain.HoursInterval{Open: openT, Close: closeT})
		}
	}
	return out, nil
}

// FetchPhoto downloads one place photo. Returns the raw image bytes and the
// content type reported by the API.
func (p *PlacesClient) FetchPhoto(ctx context.Context, photoRef string, maxWidth int) ([]byte, string, error) {
	start := time.Now()
	if maxWidth <= 0 {
		maxWidth = 800
	}

	params := url.Values{
		"photo_reference": {photoRef},
		"maxwidth":        {fmt.Sprintf("%d", maxWidth)},
		"key":             {p.cfg.APIKey},
	}
	u := p.cfg.BaseURL + "/photo?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build photo request: %w", err)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, "", networkError(placesProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(placesProviderName, resp)
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), perr)
		return nil, "", perr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		metrics.RecordProviderRequest(placesProviderName, time.Since(start), err)
		return nil, "", networkError(placesProviderName, err)
	}
	metrics.RecordProviderRequest(placesProviderName, time.Since(start), nil)

	contentType := resp.Header.Get("Content-Type")
	switch contentType {
	case "image/jpeg", "image/png", "image/webp", "image/gif":
	default:
		return nil, "", &Error{Provider: placesProviderName, Kind: KindImageFormatInvalid,
			Message: fmt.Sprintf("unsupported photo content type %q", contentType)}
	}
	return data, contentType, nil
}
