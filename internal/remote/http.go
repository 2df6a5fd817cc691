// Package remote is the HTTP transport adapter for fetching query results
// and running mutations against the remote data source. Every failure comes
// back as a *domain.FetchError so the retry classifier can act on it.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/observability"
)

// maxResponseBody bounds how much of a response is read.
const maxResponseBody = 16 << 20

// HTTPFetcher fetches query results over HTTP. A key maps to the path
// BaseURL/<segment>/<segment>/..., each segment path-escaped.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header // Sent with every request (auth tokens and the like)
}

// NewHTTPFetcher creates a fetcher with a client bounded by timeout.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Header:  make(http.Header),
	}
}

// URL returns the request URL for key.
func (f *HTTPFetcher) URL(key domain.QueryKey) string {
	segs := key.Segments()
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(f.BaseURL, "/") + "/" + strings.Join(segs, "/")
}

// Fetch GETs the resource for key and returns the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, key domain.QueryKey) ([]byte, error) {
	ctx, span := observability.StartClientSpan(ctx, "remote.fetch",
		observability.AttrQueryRoot.String(key.Root()))
	body, err := f.do(ctx, http.MethodGet, f.URL(key), nil)
	observability.EndSpan(span, err)
	return body, err
}

// Mutate sends body to path with method and returns the response body.
// Mutation results are never cached.
func (f *HTTPFetcher) Mutate(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, span := observability.StartClientSpan(ctx, "remote.mutate")
	target := strings.TrimRight(f.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	out, err := f.do(ctx, method, target, body)
	observability.EndSpan(span, err)
	return out, err
}

func (f *HTTPFetcher) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, domain.NewFetchError(domain.KindClient, 0, fmt.Errorf("create request: %w", err))
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "halo/1.0")
	observability.InjectHTTPHeaders(ctx, req.Header)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewFetchError(StatusKind(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, snippet(respBody)))
	}
	return respBody, nil
}

// StatusKind classifies a non-2xx status. 408 is a timeout, 429 and 5xx
// are transient server failures, every other 4xx is the caller's fault.
func StatusKind(status int) domain.ErrorKind {
	switch {
	case status == http.StatusRequestTimeout:
		return domain.KindTimeout
	case status == http.StatusTooManyRequests:
		return domain.KindServer
	case status >= 400 && status < 500:
		return domain.KindClient
	case status >= 500:
		return domain.KindServer
	default:
		return domain.KindUnknown
	}
}

func transportError(err error) error {
	kind := domain.KindConnectivity
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = domain.KindTimeout
	}
	return domain.NewFetchError(kind, 0, err)
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
