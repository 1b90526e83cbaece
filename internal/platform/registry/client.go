// Package registry looks up companies in the public CNPJ registry and
// returns their registered activity codes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidCNPJ = errors.New("cnpj must have 14 digits")
	ErrNotFound    = errors.New("cnpj not found")
	ErrUpstream    = errors.New("registry unavailable")
)

// Company is the subset of registry data shown to the user.
type Company struct {
	LegalName          string `json:"legal_name"`
	TradeName          string `json:"trade_name"`
	RegistrationStatus string `json:"registration_status"`
}

// Result is a registry lookup: company data and its activity codes, the
// primary code first.
type Result struct {
	CNPJ    string   `json:"cnpj"`
	Company Company  `json:"company"`
	Codes   []string `json:"codes"`
}

// upstreamResponse mirrors the fields read from the registry API.
type upstreamResponse struct {
	RazaoSocial                string      `json:"razao_social"`
	NomeFantasia               string      `json:"nome_fantasia"`
	DescricaoSituacaoCadastral string      `json:"descricao_situacao_cadastral"`
	CNAEFiscal                 json.Number `json:"cnae_fiscal"`
	CNAESecundarios            []struct {
		Codigo json.Number `json:"codigo"`
	} `json:"cnaes_secundarios"`
}

// Cache stores lookup results by CNPJ. A miss returns (nil, nil).
type Cache interface {
	Get(ctx context.Context, cnpj string) (*Result, error)
	Set(ctx context.Context, cnpj string, r *Result) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache enables result caching.
func WithCache(cache Cache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger used for cache failures.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client queries the registry API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	logger     zerolog.Logger
}

// NewClient creates a client for the registry rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NormalizeCNPJ strips everything but digits and checks the length.
func NormalizeCNPJ(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() != 14 {
		return "", ErrInvalidCNPJ
	}
	return b.String(), nil
}

// LookupCNPJ returns the company registered under cnpj. Cache failures are
// logged and never fail the lookup.
func (c *Client) LookupCNPJ(ctx context.Context, cnpj string) (*Result, error) {
	cnpj, err := NormalizeCNPJ(cnpj)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		cached, err := c.cache.Get(ctx, cnpj)
		if err != nil {
			c.logger.Warn().Err(err).Msg("registry cache read failed")
		} else if cached != nil {
			lookupsTotal.WithLabelValues("cache_hit").Inc()
			return cached, nil
		}
	}

	start := time.Now()
	res, err := c.fetch(ctx, cnpj)
	lookupLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			lookupsTotal.WithLabelValues("not_found").Inc()
		default:
			lookupsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	lookupsTotal.WithLabelValues("ok").Inc()

	if c.cache != nil {
		if err := c.cache.Set(ctx, cnpj, res); err != nil {
			c.logger.Warn().Err(err).Msg("registry cache write failed")
		}
	}
	return res, nil
}

func (c *Client) fetch(ctx context.Context, cnpj string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cnpj/v1/"+cnpj, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var body upstreamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	res := &Result{
		CNPJ: cnpj,
		Company: Company{
			LegalName:          body.RazaoSocial,
			TradeName:          body.NomeFantasia,
			RegistrationStatus: body.DescricaoSituacaoCadastral,
		},
		Codes: []string{},
	}
	if code := codeString(body.CNAEFiscal); code != "" {
		res.Codes = append(res.Codes, code)
	}
	for _, s := range body.CNAESecundarios {
		if code := codeString(s.Codigo); code != "" {
			res.Codes = append(res.Codes, code)
		}
	}
	return res, nil
}

// codeString renders a numeric activity code; the registry drops the
// leading zero of codes like 0111301, so 7 digits are restored here.
func codeString(n json.Number) string {
	s := n.String()
	if s == "" || s == "0" {
		return ""
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) < 7 {
		return fmt.Sprintf("%07d", v)
	}
	return s
}
