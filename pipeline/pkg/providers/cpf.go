package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prospectaio/prospecta/api/metrics"
	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/utils/pkg/retry"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const cpfProviderName = "cpf_registry"

// CPFLookup is the individual-registry record for a CPF.
type CPFLookup struct {
	Document  string `json:"document"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	BirthYear int    `json:"birthYear,omitempty"`
}

// Regular reports whether the CPF is in good standing.
func (l *CPFLookup) Regular() bool {
	return l.Status == "REGULAR" || l.Status == "Regular"
}

// CPFClientConfig configures the CPF registry client. The authenticated
// endpoint is preferred; when credentials are absent or rejected twice the
// client falls back to the open endpoint.
type CPFClientConfig struct {
	Log *slog.Logger

	AuthBaseURL  string
	TokenURL     string
	ClientID     string
	ClientSecret string

	FallbackBaseURL string

	Cache         cache.Cache
	RatePerMinute int
	HTTPClient    *http.Client
}

func (c *CPFClientConfig) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("log is required")
	}
	if c.AuthBaseURL == "" && c.FallbackBaseURL == "" {
		return fmt.Errorf("at least one of auth base URL or fallback base URL is required")
	}
	if c.AuthBaseURL != "" && (c.TokenURL == "" || c.ClientID == "" || c.ClientSecret == "") {
		return fmt.Errorf("token URL, client ID and client secret are required for the authenticated endpoint")
	}
	if c.Cache == nil {
		c.Cache = cache.Noop{}
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 3
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return nil
}

// CPFClient queries the individual registry.
type CPFClient struct {
	log     *slog.Logger
	cfg     CPFClientConfig
	limiter *rate.Limiter
	retry   retry.Config

	mu         sync.Mutex
	tokenHTTP  *http.Client
	authBroken bool
}

func NewCPFClient(cfg CPFClientConfig) (*CPFClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate CPF client config: %w", err)
	}
	return &CPFClient{
		log:     cfg.Log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 1),
		retry:   retry.DefaultConfig(),
	}, nil
}

// authClient lazily builds (and rebuilds after invalidation) the
// client-credentials HTTP client. The oauth2 transport caches the token and
// refreshes it on expiry.
func (c *CPFClient) authClient(ctx context.Context) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenHTTP == nil {
		conf := &clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     c.cfg.TokenURL,
		}
		c.tokenHTTP = conf.Client(ctx)
		c.tokenHTTP.Timeout = 15 * time.Second
	}
	return c.tokenHTTP
}

// invalidateToken drops the cached token so the next call fetches a fresh one.
func (c *CPFClient) invalidateToken() {
	c.mu.Lock()
	c.tokenHTTP = nil
	c.mu.Unlock()
}

// Lookup fetches the registry record for an 11-digit CPF.
func (c *CPFClient) Lookup(ctx context.Context, cpf string) (*CPFLookup, error) {
	if !domain.ValidCPF(cpf) {
		return nil, invalidInput(cpfProviderName, "document is not a valid CPF")
	}

	var cached CPFLookup
	if hit, err := c.cfg.Cache.Get(ctx, cache.NamespaceCPF, cpf, &cached); err == nil && hit {
		metrics.RecordCacheOperation(cache.NamespaceCPF, "hit")
		return &cached, nil
	}
	metrics.RecordCacheOperation(cache.NamespaceCPF, "miss")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for CPF rate limiter: %w", err)
	}

	out, err := c.lookupAuthenticated(ctx, cpf)
	if err != nil {
		if c.cfg.FallbackBaseURL == "" || IsNotFound(err) || KindOf(err) == KindInvalidInput {
			return nil, err
		}
		c.log.Warn("cpf: authenticated lookup failed, trying fallback", "error", err)
		out, err = c.lookupOpen(ctx, cpf)
		if err != nil {
			return nil, err
		}
	}

	if err := c.cfg.Cache.Set(ctx, cache.NamespaceCPF, cpf, out); err != nil {
		c.log.Warn("cpf: failed to cache lookup", "error", err)
	}
	return out, nil
}

func (c *CPFClient) lookupAuthenticated(ctx context.Context, cpf string) (*CPFLookup, error) {
	if c.cfg.AuthBaseURL == "" {
		return nil, configMissing(cpfProviderName, "authenticated endpoint not configured")
	}
	c.mu.Lock()
	broken := c.authBroken
	c.mu.Unlock()
	if broken {
		return nil, &Error{Provider: cpfProviderName, Kind: KindAuthExpired, Message: "credentials previously rejected"}
	}

	url := fmt.Sprintf("%s/cpf/%s", c.cfg.AuthBaseURL, cpf)

	var out *CPFLookup
	fetchOnce := func() error {
		lookup, err := c.fetch(ctx, c.authClient(ctx), url, cpf)
		if err != nil {
			return err
		}
		out = lookup
		return nil
	}

	err := retry.Do(ctx, c.retry, fetchOnce)
	if err != nil && KindOf(err) == KindAuthExpired {
		// One forced token refresh; a second rejection disables the
		// authenticated path for the process lifetime.
		c.invalidateToken()
		err = fetchOnce()
		if err != nil && KindOf(err) == KindAuthExpired {
			c.mu.Lock()
			c.authBroken = true
			c.mu.Unlock()
		}
	}
	return out, err
}

func (c *CPFClient) lookupOpen(ctx context.Context, cpf string) (*CPFLookup, error) {
	var out *CPFLookup
	err := retry.Do(ctx, c.retry, func() error {
		url := fmt.Sprintf("%s/cpf/%s", c.cfg.FallbackBaseURL, cpf)
		lookup, err := c.fetch(ctx, c.cfg.HTTPClient, url, cpf)
		if err != nil {
			return err
		}
		out = lookup
		return nil
	})
	return out, err
}

func (c *CPFClient) fetch(ctx context.Context, client *http.Client, url, cpf string) (*CPFLookup, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build CPF request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(cpfProviderName, time.Since(start), err)
		return nil, networkError(cpfProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(cpfProviderName, resp)
		metrics.RecordProviderRequest(cpfProviderName, time.Since(start), perr)
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		metrics.RecordProviderRequest(cpfProviderName, time.Since(start), err)
		return nil, networkError(cpfProviderName, err)
	}

	var raw struct {
		Name      string `json:"nome"`
		Status    string `json:"situacao_cadastral"`
		BirthYear int    `json:"ano_nascimento"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordProviderRequest(cpfProviderName, time.Since(start), err)
		return nil, parseError(cpfProviderName, err)
	}

	metrics.RecordProviderRequest(cpfProviderName, time.Since(start), nil)
	return &CPFLookup{
		Document:  cpf,
		Name:      raw.Name,
		Status:    raw.Status,
		BirthYear: raw.BirthYear,
	}, nil
}
