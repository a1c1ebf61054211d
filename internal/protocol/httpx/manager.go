// Package httpx fetches HTTP(S) resources and streams them into bundle
// storage. The Manager owns the shared client, the per-endpoint rate limiter
// and the retry policy; the Loader turns one request into one bundle.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/credentials"
	"github.com/JakeFAU/bundlefetch/internal/metrics"
	"github.com/JakeFAU/bundlefetch/internal/policy/ratelimit"
	"github.com/JakeFAU/bundlefetch/internal/retry"
)

// Request parameters understood by the manager.
const (
	ParamMethod       = "method"
	ParamCredentialID = "credential_id"
	// ParamHeaderPrefix marks params copied into request headers, e.g.
	// "header.Accept" => Accept.
	ParamHeaderPrefix = "header."
)

const maxJSONBody = 1 << 20

// ErrIdleTimeout reports a response body that stopped delivering bytes.
var ErrIdleTimeout = errors.New("response body idle timeout")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.URL, e.Status)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Config controls the HTTP manager.
//
// Timeout bounds connecting, waiting for response headers and each gap
// between body reads. A body that keeps delivering bytes is never cut off.
type Config struct {
	Timeout   time.Duration    `mapstructure:"timeout"`
	UserAgent string           `mapstructure:"user_agent"`
	RateLimit ratelimit.Config `mapstructure:",squash"`
	Retry     retry.Config     `mapstructure:"-"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithCredentials sets the provider used for requests carrying a
// credential_id param.
func WithCredentials(p credentials.Provider) Option {
	return func(m *Manager) { m.creds = p }
}

// WithRetryOptions passes options through to the retry engine.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(m *Manager) { m.retryOpts = append(m.retryOpts, opts...) }
}

// Manager issues rate-limited, retried GET requests.
type Manager struct {
	client    *http.Client
	timeout   time.Duration
	limiter   *ratelimit.Limiter
	engine    *retry.Engine
	creds     credentials.Provider
	userAgent string
	logger    *zap.Logger
	retryOpts []retry.Option
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := &Manager{
		client:    &http.Client{Transport: newHTTPTransport(timeout)},
		timeout:   timeout,
		limiter:   ratelimit.New(cfg.RateLimit),
		userAgent: cfg.UserAgent,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	retryOpts := append([]retry.Option{
		retry.WithLogger(m.logger),
		retry.WithObserver(func(int, time.Duration, error) { metrics.ObserveRetry("http") }),
	}, m.retryOpts...)
	engine, err := retry.New(cfg.Retry, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("http retry policy: %w", err)
	}
	m.engine = engine
	return m, nil
}

// Get performs the request and returns a response with a 2xx status whose
// body the caller must close. Transport errors and retryable statuses are
// retried; other statuses fail immediately with a *StatusError.
func (m *Manager) Get(ctx context.Context, req bundle.RequestMeta) (*http.Response, error) {
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	header, err := m.headers(ctx, req)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Param(ParamMethod, http.MethodGet))

	resp, err := retry.Execute(ctx, m.engine, func(ctx context.Context) (*http.Response, error) {
		if err := m.limiter.Wait(ctx, req.URL); err != nil {
			return nil, err
		}
		reqCtx, cancel := context.WithCancelCause(ctx)
		httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, nil)
		if err != nil {
			cancel(nil)
			return nil, fmt.Errorf("new request: %w", err)
		}
		httpReq.Header = header.Clone()
		resp, err := m.client.Do(httpReq)
		if err != nil {
			cancel(nil)
			return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
		}
		if retryableStatus(resp.StatusCode) {
			drain(resp)
			cancel(nil)
			return nil, &StatusError{URL: req.URL, StatusCode: resp.StatusCode, Status: resp.Status}
		}
		resp.Body = newIdleBody(reqCtx, resp.Body, m.timeout, cancel)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp)
		return nil, &StatusError{URL: req.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// GetInt fetches req and reads the integer field from its JSON object body.
func (m *Manager) GetInt(ctx context.Context, req bundle.RequestMeta, field string) (int, error) {
	resp, err := m.Get(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode %s: %w", req.URL, err)
	}
	raw, ok := body[field]
	if !ok {
		return 0, fmt.Errorf("%s: field %q missing", req.URL, field)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%s: field %q: %w", req.URL, field, err)
	}
	return n, nil
}

func (m *Manager) headers(ctx context.Context, req bundle.RequestMeta) (http.Header, error) {
	h := make(http.Header)
	if m.userAgent != "" {
		h.Set("User-Agent", m.userAgent)
	}
	for k, v := range req.Params {
		if name, ok := strings.CutPrefix(k, ParamHeaderPrefix); ok && name != "" {
			h.Set(name, v)
		}
	}
	id := req.Param(ParamCredentialID, "")
	if id == "" {
		return h, nil
	}
	if m.creds == nil {
		return nil, fmt.Errorf("request %s needs credentials %q but no provider is configured", req.URL, id)
	}
	creds, err := m.creds.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	switch {
	case creds["token"] != "":
		h.Set("Authorization", "Bearer "+creds["token"])
	case creds["username"] != "":
		r := http.Request{Header: h}
		r.SetBasicAuth(creds["username"], creds["password"])
	default:
		return nil, fmt.Errorf("credentials %q have neither token nor username", id)
	}
	return h, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// idleBody cancels the request when a single Read waits longer than timeout.
// Time spent by the consumer between reads is not counted.
type idleBody struct {
	io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func newIdleBody(ctx context.Context, body io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *idleBody {
	timer := time.AfterFunc(timeout, func() { cancel(ErrIdleTimeout) })
	timer.Stop()
	return &idleBody{
		ReadCloser: body,
		ctx:        ctx,
		timer:      timer,
		timeout:    timeout,
		cancel:     cancel,
	}
}

func (b *idleBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err != nil && errors.Is(context.Cause(b.ctx), ErrIdleTimeout) {
		return n, fmt.Errorf("%w after %s", ErrIdleTimeout, b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// IsStatus reports whether err carries an HTTP status error with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
