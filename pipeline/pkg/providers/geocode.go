package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prospectaio/prospecta/api/metrics"
	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/utils/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	geocoderAName = "geocoder_a"
	geocoderBName = "geocoder_b"
)

// GeocodeResult is one geocoder's answer for an address.
type GeocodeResult struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	Confidence       int     `json:"confidence"`
	FormattedAddress string  `json:"formattedAddress,omitempty"`
	Provider         string  `json:"provider"`
}

// Geocoder resolves a Brazilian street address to coordinates.
type Geocoder interface {
	Name() string
	Geocode(ctx context.Context, address, city, state string) (*GeocodeResult, error)
}

func geocodeQuery(address, city, state string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{address, city, state, "Brasil"} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// --- Geocoder A: keyed commercial API ---

type GeocoderAConfig struct {
	Log        *slog.Logger
	BaseURL    string
	APIKey     string
	Cache      cache.Cache
	HTTPClient *http.Client
}

func (c *GeocoderAConfig) Validate() error {
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
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// GeocoderA is the primary, keyed geocoding provider.
type GeocoderA struct {
	log   *slog.Logger
	cfg   GeocoderAConfig
	retry retry.Config
}

func NewGeocoderA(cfg GeocoderAConfig) (*GeocoderA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate geocoder A config: %w", err)
	}
	return &GeocoderA{log: cfg.Log, cfg: cfg, retry: retry.DefaultConfig()}, nil
}

func (g *GeocoderA) Name() string { return geocoderAName }

func (g *GeocoderA) Geocode(ctx context.Context, address, city, state string) (*GeocodeResult, error) {
	query := geocodeQuery(address, city, state)
	cacheKey := geocoderAName + ":" + strings.ToLower(query)

	var cached GeocodeResult
	if hit, err := g.cfg.Cache.Get(ctx, cache.NamespaceGeocode, cacheKey, &cached); err == nil && hit {
		metrics.RecordCacheOperation(cache.NamespaceGeocode, "hit")
		return &cached, nil
	}
	metrics.RecordCacheOperation(cache.NamespaceGeocode, "miss")

	var out *GeocodeResult
	err := retry.Do(ctx, g.retry, func() error {
		res, err := g.fetch(ctx, query)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := g.cfg.Cache.Set(ctx, cache.NamespaceGeocode, cacheKey, out); err != nil {
		g.log.Warn("geocoder A: failed to cache result", "error", err)
	}
	return out, nil
}

func (g *GeocoderA) fetch(ctx context.Context, query string) (*GeocodeResult, error) {
	start := time.Now()

	u := fmt.Sprintf("%s/geocode?address=%s&region=br&key=%s",
		g.cfg.BaseURL, url.QueryEscape(query), url.QueryEscape(g.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geocode request: %w", err)
	}

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(geocoderAName, time.Since(start), err)
		return nil, networkError(geocoderAName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(geocoderAName, resp)
		metrics.RecordProviderRequest(geocoderAName, time.Since(start), perr)
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		metrics.RecordProviderRequest(geocoderAName, time.Since(start), err)
		return nil, networkError(geocoderAName, err)
	}

	var raw struct {
		Results []struct {
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
				LocationType string `json:"location_type"`
			} `json:"geometry"`
		} `json:"results"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordProviderRequest(geocoderAName, time.Since(start), err)
		return nil, parseError(geocoderAName, err)
	}
	metrics.RecordProviderRequest(geocoderAName, time.Since(start), nil)

	if raw.Status == "ZERO_RESULTS" || len(raw.Results) == 0 {
		return nil, &Error{Provider: geocoderAName, Kind: KindNotFound, Message: "no geocoding results"}
	}
	if raw.Status != "OK" {
		return nil, &Error{Provider: geocoderAName, Kind: KindInternal, Message: "geocoding status " + raw.Status}
	}

	r := raw.Results[0]
	confidence := 70
	switch r.Geometry.LocationType {
	case "ROOFTOP":
		confidence = 95
	case "RANGE_INTERPOLATED":
		confidence = 85
	case "GEOMETRIC_CENTER":
		confidence = 75
	}

	return &GeocodeResult{
		Lat:              r.Geometry.Location.Lat,
		Lng:              r.Geometry.Location.Lng,
		Confidence:       confidence,
		FormattedAddress: r.FormattedAddress,
		Provider:         geocoderAName,
	}, nil
}

// --- Geocoder B: open community API ---

type GeocoderBConfig struct {
	Log       *slog.Logger
	BaseURL   string
	UserAgent string
	Cache     cache.Cache
	// The open API requires at most one request per second.
	RatePerSecond float64
	HTTPClient    *http.Client
}

func (c *GeocoderBConfig) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("log is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent is required by the open geocoding API")
	}
	if c.Cache == nil {
		c.Cache = cache.Noop{}
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// GeocoderB is the secondary, open geocoding provider.
type GeocoderB struct {
	log     *slog.Logger
	cfg     GeocoderBConfig
	limiter *rate.Limiter
	retry   retry.Config
}

func NewGeocoderB(cfg GeocoderBConfig) (*GeocoderB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate geocoder B config: %w", err)
	}
	return &GeocoderB{
		log:     cfg.Log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		retry:   retry.DefaultConfig(),
	}, nil
}

func (g *GeocoderB) Name() string { return geocoderBName }

func (g *GeocoderB) Geocode(ctx context.Context, address, city, state string) (*GeocodeResult, error) {
	query := geocodeQuery(address, city, state)
	cacheKey := geocoderBName + ":" + strings.ToLower(query)

	var cached GeocodeResult
	if hit, err := g.cfg.Cache.Get(ctx, cache.NamespaceGeocode, cacheKey, &cached); err == nil && hit {
		metrics.RecordCacheOperation(cache.NamespaceGeocode, "hit")
		return &cached, nil
	}
	metrics.RecordCacheOperation(cache.NamespaceGeocode, "miss")

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for geocoder B rate limiter: %w", err)
	}

	var out *GeocodeResult
	err := retry.Do(ctx, g.retry, func() error {
		res, err := g.fetch(ctx, query)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := g.cfg.Cache.Set(ctx, cache.NamespaceGeocode, cacheKey, out); err != nil {
		g.log.Warn("geocoder B: failed to cache result", "error", err)
	}
	return out, nil
}

func (g *GeocoderB) fetch(ctx context.Context, query string) (*GeocodeResult, error) {
	start := time.Now()

	u := fmt.Sprintf("%s/search?q=%s&format=jsonv2&countrycodes=br&limit=1",
		g.cfg.BaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(geocoderBName, time.Since(start), err)
		return nil, networkError(geocoderBName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(geocoderBName, resp)
		metrics.RecordProviderRequest(geocoderBName, time.Since(start), perr)
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		metrics.RecordProviderRequest(geocoderBName, time.Since(start), err)
		return nil, networkError(geocoderBName, err)
	}

	var raw []struct {
		Lat         string  `json:"lat"`
		Lon         string  `json:"lon"`
		DisplayName string  `json:"display_name"`
		Importance  float64 `json:"importance"`
		Category    string  `json:"category"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordProviderRequest(geocoderBName, time.Since(start), err)
		return nil, parseError(geocoderBName, err)
	}
	metrics.RecordProviderRequest(geocoderBName, time.Since(start), nil)

	if len(raw) == 0 {
		return nil, &Error{Provider: geocoderBName, Kind: KindNotFound, Message: "no geocoding results"}
	}

	lat, errLat := strconv.ParseFloat(raw[0].Lat, 64)
	lng, errLng := strconv.ParseFloat(raw[0].Lon, 64)
	if errLat != nil || errLng != nil {
		return nil, parseError(geocoderBName, fmt.Errorf("invalid coordinates %q,%q", raw[0].Lat, raw[0].Lon))
	}

	// The open API does not report precision; importance is a weak proxy.
	confidence := 60
	if raw[0].Importance >= 0.5 {
		confidence = 80
	} else if raw[0].Importance >= 0.3 {
		confidence = 70
	}

	return &GeocodeResult{
		Lat:              lat,
		Lng:              lng,
		Confidence:       confidence,
		FormattedAddress: raw[0].DisplayName,
		Provider:         geocoderBName,
	}, nil
}
