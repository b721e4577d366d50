// Package paramclient reads parameters from the upstream parameter service
// over GraphQL.
package paramclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// maxResponseSize caps upstream response bodies (10MB)
const maxResponseSize = 10 * 1024 * 1024

// CorrelationHeader carries the event correlation id to the parameter service
const CorrelationHeader = "X-Correlation-ID"

// Client implements parameter.ParamClient
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	base   *http.Client
	logger *zap.Logger
}

// WithHTTPClient sets the transport used for both token and GraphQL requests
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.base = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// New creates a client for cfg. When a client id is configured every request
// carries a bearer token from the OAuth2 client-credentials flow.
func New(cfg config.UpstreamConfig, opts ...Option) (*Client, error) {
	if cfg.ProviderURI == "" {
		return nil, fmt.Errorf("paramclient: provider uri is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	o := clientOptions{
		base:   &http.Client{Timeout: timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.base
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
		httpClient = cc.Client(tokenCtx)
		httpClient.Timeout = timeout
	}

	return &Client{
		endpoint:   cfg.GraphQLURL(),
		httpClient: httpClient,
		logger:     o.logger,
	}, nil
}

// FetchSystemRate returns the named rate, or nil when the service does not know it
func (c *Client) FetchSystemRate(ctx context.Context, name string) (*parameter.SystemRate, error) {
	var data systemRateData
	if err := c.query(ctx, querySystemRate, map[string]any{"input": name}, &data); err != nil {
		return nil, err
	}
	if data.SystemRate == nil {
		return nil, nil
	}
	rate := data.SystemRate.toDomain()
	return &rate, nil
}

// FetchAllSystemDates returns every system date. Dates with an unknown tag are
// skipped.
func (c *Client) FetchAllSystemDates(ctx context.Context) ([]parameter.SystemDate, error) {
	var data systemDatesData
	if err := c.query(ctx, queryAllSystemDates, nil, &data); err != nil {
		return nil, err
	}
	out := make([]parameter.SystemDate, 0, len(data.SystemDates))
	for _, w := range data.SystemDates {
		d, err := w.toDomain()
		if err != nil {
			logger.L(ctx, c.logger).Warn("skipping system date", zap.String("id", w.ID), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// FetchAllDocumentTypes returns the document type catalog
func (c *Client) FetchAllDocumentTypes(ctx context.Context) ([]parameter.DocumentType, error) {
	var data documentTypesData
	if err := c.query(ctx, queryAllDocumentTypes, nil, &data); err != nil {
		return nil, err
	}
	out := make([]parameter.DocumentType, len(data.DocumentTypes))
	for i, w := range data.DocumentTypes {
		out[i] = w.toDomain()
	}
	return out, nil
}

// query posts a GraphQL document and decodes its data into out. Every failure
// wraps shared.ErrUpstreamUnavailable.
func (c *Client) query(ctx context.Context, document string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: document, Variables: vars})
	if err != nil {
		return fmt.Errorf("paramclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("paramclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := logger.GetCorrelationID(ctx); id != "" {
		req.Header.Set(CorrelationHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", shared.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: HTTP %d", shared.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var gr graphqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("%w: decode response: %v", shared.ErrUpstreamUnavailable, err)
	}
	if err := gr.err(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUpstreamUnavailable, err)
	}
	if len(gr.Data) == 0 {
		return fmt.Errorf("%w: empty data", shared.ErrUpstreamUnavailable)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", shared.ErrUpstreamUnavailable, err)
	}
	return nil
}

var _ parameter.ParamClient = (*Client)(nil)
