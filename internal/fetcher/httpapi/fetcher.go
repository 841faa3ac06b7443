// Package httpapi implements crawler.Fetcher against JSON HTTP APIs that
// accept batches of identifiers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
)

const (
	// DefaultTimeout bounds one request including rate limit waits.
	DefaultTimeout = 30 * time.Second
	// IDPlaceholder is substituted with the identifier on single-item paths.
	IDPlaceholder = "{id}"

	maxErrorBody = 512
)

var tracer = otel.Tracer("github.com/JakeFAU/catalog-harvester/internal/fetcher/httpapi")

// Endpoint describes one remote call made per batch.
type Endpoint struct {
	// Name keys this endpoint's body when several endpoints are configured.
	Name string `mapstructure:"name"`
	// Path is appended to the base URL; it may contain {id}.
	Path string `mapstructure:"path"`
	// IDsParam is the query parameter carrying comma-joined identifiers.
	IDsParam string            `mapstructure:"ids_param"`
	Query    map[string]string `mapstructure:"query"`
	// Optional endpoints degrade to null instead of failing the batch.
	Optional bool `mapstructure:"optional"`
}

// AuthConfig enables the OAuth2 client credentials flow.
type AuthConfig struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Enabled reports whether credentials are configured.
func (a AuthConfig) Enabled() bool {
	return a.TokenURL != "" && a.ClientID != ""
}

// Config controls the fetcher.
type Config struct {
	BaseURL   string
	Endpoints []Endpoint
	Timeout   time.Duration
	UserAgent string
	RateLimit ratelimit.Config
	Auth      AuthConfig
}

// APIError is a non-retryable HTTP response.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api request %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client (auth is then the caller's job).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLimiter shares a limiter between fetchers.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// Fetcher performs batch GETs.
type Fetcher struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New validates cfg and builds a Fetcher.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if ep.Path == "" {
			return nil, fmt.Errorf("endpoint %d: path is required", i)
		}
		if !strings.Contains(ep.Path, IDPlaceholder) && ep.IDsParam == "" {
			return nil, fmt.Errorf("endpoint %d: path needs %s or ids_param must be set", i, IDPlaceholder)
		}
		if len(cfg.Endpoints) > 1 {
			if ep.Name == "" {
				return nil, fmt.Errorf("endpoint %d: name is required when several endpoints are configured", i)
			}
			if _, dup := seen[ep.Name]; dup {
				return nil, fmt.Errorf("duplicate endpoint name %q", ep.Name)
			}
			seen[ep.Name] = struct{}{}
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fetcher{cfg: cfg, base: base, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = newHTTPClient(ctx, cfg.Auth)
	}
	if f.limiter == nil {
		f.limiter = ratelimit.New(cfg.RateLimit)
	}
	metrics.Init()
	return f, nil
}

func newHTTPClient(ctx context.Context, auth AuthConfig) *http.Client {
	if !auth.Enabled() {
		return &http.Client{}
	}
	cc := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	// The token source outlives the construction context.
	return cc.Client(context.WithoutCancel(ctx))
}

// Fetch calls every endpoint for ids. A single endpoint's body is returned
// as is; several are combined into an object keyed by endpoint name.
func (f *Fetcher) Fetch(ctx context.Context, ids []string) (crawler.RawResult, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("fetch: no identifiers")
	}
	ctx, span := tracer.Start(ctx, "httpapi.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("harvest.batch_size", len(ids))),
	)
	defer span.End()

	raw, err := f.fetch(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (f *Fetcher) fetch(ctx context.Context, ids []string) (crawler.RawResult, error) {
	if len(f.cfg.Endpoints) == 1 {
		body, err := f.call(ctx, f.cfg.Endpoints[0], ids)
		if err != nil {
			return nil, err
		}
		return crawler.RawResult(body), nil
	}

	combined := make(map[string]json.RawMessage, len(f.cfg.Endpoints))
	for _, ep := range f.cfg.Endpoints {
		body, err := f.call(ctx, ep, ids)
		if err != nil {
			// Transient failures go back to the retry schedule; only a
			// definitive refusal degrades an optional endpoint to null.
			if ep.Optional && !errors.Is(err, context.Canceled) && !crawler.IsTransient(err) {
				f.logger.Warn("Optional endpoint failed; recording null",
					zap.String("endpoint", ep.Name),
					zap.Int("batch_size", len(ids)),
					zap.Error(err),
				)
				combined[ep.Name] = json.RawMessage("null")
				continue
			}
			return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		combined[ep.Name] = body
	}
	out, err := json.Marshal(combined)
	if err != nil {
		return nil, fmt.Errorf("combine endpoint bodies: %w", err)
	}
	return crawler.RawResult(out), nil
}

// RequestURL builds the URL for one endpoint and batch.
func (f *Fetcher) RequestURL(ep Endpoint, ids []string) (string, error) {
	path := ep.Path
	if strings.Contains(path, IDPlaceholder) {
		if len(ids) != 1 {
			return "", fmt.Errorf("endpoint %s takes exactly one id, got %d", ep.Path, len(ids))
		}
		path = strings.ReplaceAll(path, IDPlaceholder, url.PathEscape(ids[0]))
	}
	u := f.base.JoinPath(path)
	q := u.Query()
	for k, v := range ep.Query {
		q.Set(k, v)
	}
	if ep.IDsParam != "" && !strings.Contains(ep.Path, IDPlaceholder) {
		q.Set(ep.IDsParam, strings.Join(ids, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) call(ctx context.Context, ep Endpoint, ids []string) ([]byte, error) {
	target, err := f.RequestURL(ep, ids)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx, target); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	host := metrics.SanitizeHost(target)
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveAPIRequest(host, 0, 0, time.Since(start))
		return nil, fmt.Errorf("request %s: %w", ep.Path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Debug("Failed to close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	metrics.ObserveAPIRequest(host, resp.StatusCode, len(body), time.Since(start))
	if err != nil {
		return nil, &crawler.TransientFetchError{Op: "read body", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if wait := retryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			f.limiter.Pause(target, wait)
		}
		return nil, &crawler.TransientFetchError{Op: ep.Path, Err: statusError(resp.StatusCode, target, body)}
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &crawler.TransientFetchError{Op: ep.Path, Err: statusError(resp.StatusCode, target, body)}
	default:
		return nil, statusError(resp.StatusCode, target, body)
	}
}

func statusError(code int, target string, body []byte) *APIError {
	snippet := string(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	return &APIError{StatusCode: code, URL: target, Body: strings.TrimSpace(snippet)}
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
