package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yanqian/playgrounded/pkg/metrics"
)

// DefaultProxyPrefix is the public relay used when direct requests fail.
const DefaultProxyPrefix = "https://corsproxy.io/?"

const maxBody = 4 << 20

// Request is a replayable outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ViaProxy   bool
}

// Doer issues replayable requests.
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Config tunes a Relay.
type Config struct {
	ProxyPrefix string
	Timeout     time.Duration
	Disabled    bool
}

// Relay sends a request directly and, when that fails or returns a non-2xx
// status, retries it exactly once through the proxy prefix.
type Relay struct {
	httpClient  *http.Client
	proxyPrefix string
	disabled    bool
	logger      *slog.Logger
	counters    *metrics.Counters
}

// New builds a Relay.
func New(cfg Config, logger *slog.Logger, counters *metrics.Counters) *Relay {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	prefix := strings.TrimSpace(cfg.ProxyPrefix)
	if prefix == "" {
		prefix = DefaultProxyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		httpClient:  &http.Client{Timeout: timeout},
		proxyPrefix: prefix,
		disabled:    cfg.Disabled,
		logger:      logger.With("component", "relay"),
		counters:    counters,
	}
}

// ProxyURL wraps target in the proxy prefix.
func (r *Relay) ProxyURL(target string) string {
	return r.proxyPrefix + url.QueryEscape(target)
}

// Do implements Doer. The returned error is the direct attempt's error when
// both attempts fail.
func (r *Relay) Do(ctx context.Context, req Request) (Response, error) {
	resp, directErr := r.send(ctx, req, req.URL)
	if directErr == nil {
		return resp, nil
	}
	if r.disabled || ctx.Err() != nil {
		return Response{}, directErr
	}

	r.logger.Warn("direct request failed, trying relay", "method", req.Method, "url", req.URL, "error", directErr)
	resp, proxyErr := r.send(ctx, req, r.ProxyURL(req.URL))
	if proxyErr != nil {
		r.logger.Warn("relay request failed", "method", req.Method, "url", req.URL, "error", proxyErr)
		return Response{}, directErr
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	r.counters.RelayUsed(method)
	resp.ViaProxy = true
	return resp, nil
}

func (r *Relay) send(ctx context.Context, req Request, target string) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Response{}, fmt.Errorf("request error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

var _ Doer = (*Relay)(nil)
