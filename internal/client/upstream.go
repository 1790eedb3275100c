// Package client provides the upstream HTTP client used to fetch proxied
// resources.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"m3u8-proxy-go/internal/config"
	"m3u8-proxy-go/internal/metrics"
	"m3u8-proxy-go/internal/model"
)

// acceptHeader favors playlists, then media and images.
const acceptHeader = "application/vnd.apple.mpegurl, application/x-mpegurl, video/*, image/*, */*;q=0.8"

// snippetLimit bounds how much of an error body is kept for diagnostics.
const snippetLimit = 256

// UpstreamError reports a failed upstream fetch: either a non-2xx status or
// a transport failure (StatusCode is then 0 and Err is set).
type UpstreamError struct {
	URL        string
	StatusCode int
	Snippet    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		if e.Snippet == "" {
			return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
		}
		return fmt.Sprintf("upstream %s returned %d: %s", e.URL, e.StatusCode, e.Snippet)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// UpstreamClient fetches upstream resources with browser-like headers and
// decides whether a body is buffered or relayed as a stream.
type UpstreamClient struct {
	httpClient *http.Client
	userAgents []string
	threshold  int64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// There is no overall client timeout because streamed bodies may legitimately
// run for a long time. Dial, TLS handshake and time-to-headers are bounded;
// everything after that is bounded by the inbound request context.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
		// Bodies are decoded by decodeBody so Content-Length stays meaningful.
		DisableCompression: true,
	}

	agents := cfg.Proxy.UserAgents
	if len(agents) == 0 {
		agents = []string{config.DefaultUserAgent}
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		userAgents: agents,
		threshold:  cfg.Proxy.LargeFileThreshold(),
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Fetch retrieves targetURL. Binary bodies larger than the configured
// threshold come back as a stream the caller must close; everything else is
// fully buffered.
func (c *UpstreamClient) Fetch(ctx context.Context, targetURL string, incoming http.Header) (*model.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, &UpstreamError{URL: targetURL, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = c.outboundHeaders(targetURL, incoming)

	c.logger.Debug("upstream request", "url", targetURL)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to FetchResult or is closed below
	c.observe(resp, time.Since(start))
	if err != nil {
		return nil, &UpstreamError{URL: targetURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, &UpstreamError{URL: targetURL, StatusCode: resp.StatusCode, Snippet: snippet}
	}

	header := resp.Header.Clone()
	body, length, err := decodeBody(resp.Body, header, resp.ContentLength)
	if err != nil {
		_ = resp.Body.Close()
		return nil, &UpstreamError{URL: targetURL, Err: err}
	}

	contentType := header.Get("Content-Type")
	result := &model.FetchResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Header:      header,
		IsText:      IsTextContentType(contentType),
	}

	if err := c.fill(result, body, length); err != nil {
		return nil, &UpstreamError{URL: targetURL, Err: err}
	}

	c.logger.Debug("upstream response",
		"url", targetURL,
		"status", resp.StatusCode,
		"content_type", contentType,
		"content_length", length,
		"streamed", result.IsStream,
	)
	return result, nil
}

// fill decides between buffering and streaming and populates the result.
// On error the body has been closed.
func (c *UpstreamClient) fill(result *model.FetchResult, body io.ReadCloser, length int64) error {
	if !result.IsText {
		switch {
		case length > c.threshold:
			result.IsStream = true
			result.Stream = body
			return nil
		case length < 0:
			buf, exceeded, err := readUpTo(body, c.threshold)
			if err != nil {
				_ = body.Close()
				return fmt.Errorf("read upstream body: %w", err)
			}
			if exceeded {
				result.IsStream = true
				result.Stream = &prefixedBody{
					Reader: io.MultiReader(bytes.NewReader(buf), body),
					body:   body,
				}
				return nil
			}
			_ = body.Close()
			result.Body = buf
			return nil
		}
	}

	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	result.Body = data
	if result.IsText {
		result.Text = string(data)
	}
	return nil
}

func (c *UpstreamClient) observe(resp *http.Response, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	method := metrics.NormalizeMethod(http.MethodGet)
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
}

// outboundHeaders builds the request headers sent upstream. Client headers
// other than Accept-Language (and Referer as a fallback) are not forwarded.
func (c *UpstreamClient) outboundHeaders(targetURL string, incoming http.Header) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", c.userAgents[rand.IntN(len(c.userAgents))])
	h.Set("Accept", acceptHeader)
	h.Set("Accept-Encoding", "gzip, deflate, br")

	if ref := originReferer(targetURL); ref != "" {
		h.Set("Referer", ref)
	} else if ref := incoming.Get("Referer"); ref != "" {
		h.Set("Referer", ref)
	}
	if lang := incoming.Get("Accept-Language"); lang != "" {
		h.Set("Accept-Language", lang)
	}
	return h
}

// originReferer returns "scheme://host/" for targetURL, or "" if it has no origin.
func originReferer(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// readUpTo reads from r until EOF or until more than limit bytes have been
// read. The returned slice is owned by the caller.
func readUpTo(r io.Reader, limit int64) ([]byte, bool, error) {
	var acc []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
			if int64(len(acc)) > limit {
				return acc, true, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return acc, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, snippetLimit))
	return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
}

// prefixedBody replays bytes already read before the live remainder.
type prefixedBody struct {
	io.Reader
	body io.Closer
}

func (p *prefixedBody) Close() error {
	return p.body.Close()
}
