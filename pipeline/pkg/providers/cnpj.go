package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prospectaio/prospecta/api/metrics"
	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/utils/pkg/retry"
	"golang.org/x/time/rate"
)

const cnpjProviderName = "cnpj_registry"

// CNPJLookup is the registry record for a company.
type CNPJLookup struct {
	Document        string           `json:"document"`
	LegalName       string           `json:"legalName"`
	TradeName       string           `json:"tradeName"`
	Status          string           `json:"status"`
	StatusDate      string           `json:"statusDate,omitempty"`
	OpeningDate     *time.Time       `json:"openingDate,omitempty"`
	LegalNature     string           `json:"legalNature,omitempty"`
	CNAECode        string           `json:"cnaeCode,omitempty"`
	CNAEDescription string           `json:"cnaeDescription,omitempty"`
	ShareCapital    float64          `json:"shareCapital,omitempty"`
	CompanySize     string           `json:"companySize,omitempty"`
	Address         string           `json:"address,omitempty"`
	Neighborhood    string           `json:"neighborhood,omitempty"`
	City            string           `json:"city,omitempty"`
	State           string           `json:"state,omitempty"`
	PostalCode      string           `json:"postalCode,omitempty"`
	Phone           string           `json:"phone,omitempty"`
	Email           string           `json:"email,omitempty"`
	Partners        []domain.Partner `json:"partners,omitempty"`
}

// Active reports whether the registry considers the company operating.
func (l *CNPJLookup) Active() bool {
	return l.Status == "ATIVA" || l.Status == "02" || l.Status == "ACTIVE"
}

// CNPJClientConfig configures the registry client.
type CNPJClientConfig struct {
	Log     *slog.Logger
	BaseURL string
	Cache   cache.Cache
	// RatePerMinute bounds outbound calls to the open registry API.
	RatePerMinute int
	HTTPClient    *http.Client
}

func (c *CNPJClientConfig) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("log is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
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

// CNPJClient queries the open company registry with caching and rate limiting.
type CNPJClient struct {
	log     *slog.Logger
	cfg     CNPJClientConfig
	limiter *rate.Limiter
	retry   retry.Config
}

func NewCNPJClient(cfg CNPJClientConfig) (*CNPJClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate CNPJ client config: %w", err)
	}
	return &CNPJClient{
		log:     cfg.Log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 1),
		retry:   retry.DefaultConfig(),
	}, nil
}

// Lookup fetches the registry record for a 14-digit CNPJ. Cached responses
// skip the limiter entirely.
func (c *CNPJClient) Lookup(ctx context.Context, cnpj string) (*CNPJLookup, error) {
	if !domain.ValidCNPJ(cnpj) {
		return nil, invalidInput(cnpjProviderName, "document is not a valid CNPJ")
	}

	var cached CNPJLookup
	if hit, err := c.cfg.Cache.Get(ctx, cache.NamespaceCNPJ, cnpj, &cached); err == nil && hit {
		metrics.RecordCacheOperation(cache.NamespaceCNPJ, "hit")
		return &cached, nil
	}
	metrics.RecordCacheOperation(cache.NamespaceCNPJ, "miss")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for CNPJ rate limiter: %w", err)
	}

	var out *CNPJLookup
	err := retry.Do(ctx, c.retry, func() error {
		lookup, err := c.fetch(ctx, cnpj)
		if err != nil {
			return err
		}
		out = lookup
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.cfg.Cache.Set(ctx, cache.NamespaceCNPJ, cnpj, out); err != nil {
		c.log.Warn("cnpj: failed to cache lookup", "cnpj", cnpj, "error", err)
	}
	return out, nil
}

func (c *CNPJClient) fetch(ctx context.Context, cnpj string) (*CNPJLookup, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/cnpj/%s", c.cfg.BaseURL, cnpj)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build CNPJ request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(cnpjProviderName, time.Since(start), err)
		return nil, networkError(cnpjProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := classifyHTTP(cnpjProviderName, resp)
		metrics.RecordProviderRequest(cnpjProviderName, time.Since(start), perr)
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordProviderRequest(cnpjProviderName, time.Since(start), err)
		return nil, networkError(cnpjProviderName, err)
	}

	var raw cnpjRegistryResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordProviderRequest(cnpjProviderName, time.Since(start), err)
		return nil, parseError(cnpjProviderName, err)
	}

	metrics.RecordProviderRequest(cnpjProviderName, time.Since(start), nil)
	c.log.Debug("cnpj: lookup completed", "cnpj", cnpj, "status", raw.Status, "duration", time.Since(start))
	return raw.toLookup(cnpj), nil
}

// cnpjRegistryResponse mirrors the open registry wire format.
type cnpjRegistryResponse struct {
	LegalName       string      `json:"razao_social"`
	TradeName       string      `json:"nome_fantasia"`
	Status          string      `json:"descricao_situacao_cadastral"`
	StatusDate      string      `json:"data_situacao_cadastral"`
	OpeningDate     string      `json:"data_inicio_atividade"`
	LegalNature     string      `json:"natureza_juridica"`
	CNAECode        json.Number `json:"cnae_fiscal"`
	CNAEDescription string      `json:"cnae_fiscal_descricao"`
	ShareCapital    float64     `json:"capital_social"`
	CompanySize     string      `json:"porte"`
	StreetType      string      `json:"descricao_tipo_de_logradouro"`
	Street          string      `json:"logradouro"`
	Number          string      `json:"numero"`
	Complement      string      `json:"complemento"`
	Neighborhood    string      `json:"bairro"`
	City            string      `json:"municipio"`
	State           string      `json:"uf"`
	PostalCode      string      `json:"cep"`
	AreaCode        string      `json:"ddd_telefone_1"`
	Email           string      `json:"email"`
	QSA             []struct {
		Name          string `json:"nome_socio"`
		Document      string `json:"cnpj_cpf_do_socio"`
		Qualification string `json:"qualificacao_socio"`
		EntryDate     string `json:"data_entrada_sociedade"`
	} `json:"qsa"`
}

func (r *cnpjRegistryResponse) toLookup(cnpj string) *CNPJLookup {
	l := &CNPJLookup{
		Document:        cnpj,
		LegalName:       r.LegalName,
		TradeName:       r.TradeName,
		Status:          r.Status,
		StatusDate:      r.StatusDate,
		LegalNature:     r.LegalNature,
		CNAECode:        r.CNAECode.String(),
		CNAEDescription: r.CNAEDescription,
		ShareCapital:    r.ShareCapital,
		CompanySize:     r.CompanySize,
		Neighborhood:    r.Neighborhood,
		City:            r.City,
		State:           r.State,
		PostalCode:      r.PostalCode,
		Phone:           r.AreaCode,
		Email:           r.Email,
	}
	if t, err := time.Parse("2006-01-02", r.OpeningDate); err == nil {
		l.OpeningDate = &t
	}

	addr := r.Street
	if r.StreetType != "" {
		addr = r.StreetType + " " + r.Street
	}
	if r.Number != "" {
		addr += ", " + r.Number
	}
	if r.Complement != "" {
		addr += ", " + r.Complement
	}
	l.Address = addr

	for _, p := range r.QSA {
		l.Partners = append(l.Partners, domain.Partner{
			Name:  p.Name,
			TaxID: p.Document,
			Role:  p.Qualification,
			Since: p.EntryDate,
		})
	}
	return l
}
