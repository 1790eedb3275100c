package playlist

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"m3u8-proxy-go/internal/cache"
	"m3u8-proxy-go/internal/config"
	"m3u8-proxy-go/internal/metrics"
	"m3u8-proxy-go/internal/model"
	"m3u8-proxy-go/internal/proxyurl"
)

// uriAttr matches URI="..." and any other *URI="..." attribute.
var uriAttr = regexp.MustCompile(`([A-Z0-9-]*URI)="([^"]*)"`)

// Fetcher retrieves upstream resources.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, incoming http.Header) (*model.FetchResult, error)
}

// RecursionLimitError is returned when master playlists nest deeper than
// the configured limit.
type RecursionLimitError struct {
	URL   string
	Depth int
	Max   int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("playlist recursion limit exceeded at %s: depth %d > max %d", e.URL, e.Depth, e.Max)
}

// Context is shared by every playlist processed for one top-level request.
type Context struct {
	// BaseURL is the top-level target.
	BaseURL string
	// Header holds the client request headers used for variant fetches.
	Header http.Header

	resolver *proxyurl.Resolver
}

// NewContext creates a Context for a top-level request to baseURL.
func NewContext(baseURL string, header http.Header, logger *slog.Logger) *Context {
	if header == nil {
		header = http.Header{}
	}
	return &Context{
		BaseURL:  baseURL,
		Header:   header,
		resolver: proxyurl.NewResolver(logger),
	}
}

// Rewriter turns upstream playlists into proxied ones.
type Rewriter struct {
	fetcher  Fetcher
	store    cache.Store
	maxDepth int
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRewriter creates a Rewriter. store may be nil to disable the processed
// playlist cache, and m may be nil to disable metrics.
func NewRewriter(cfg *config.Config, f Fetcher, store cache.Store, logger *slog.Logger, m *metrics.Metrics) *Rewriter {
	return &Rewriter{
		fetcher:  f,
		store:    store,
		maxDepth: cfg.Proxy.MaxRecursion,
		ttl:      cfg.Proxy.TTL(),
		logger:   logger.With("component", "playlist"),
		metrics:  m,
	}
}

// Process rewrites content fetched from targetURL. Master playlists are
// replaced by their chosen variant's rewritten media playlist.
func (r *Rewriter) Process(ctx context.Context, targetURL, content string, depth int, rc *Context) (string, error) {
	if depth > r.maxDepth {
		return "", &RecursionLimitError{URL: targetURL, Depth: depth, Max: r.maxDepth}
	}

	p := Classify(content)
	r.observe(p.Kind())

	switch p := p.(type) {
	case Master:
		return r.processMaster(ctx, targetURL, p, depth, rc)
	case Media:
		return r.rewriteMedia(targetURL, p.Content, rc), nil
	default:
		return "", fmt.Errorf("unknown playlist kind %T", p)
	}
}

func (r *Rewriter) processMaster(ctx context.Context, targetURL string, p Master, depth int, rc *Context) (string, error) {
	variantURL := rc.resolver.Resolve(targetURL, p.VariantURI)

	r.logger.Debug("master playlist",
		"url", targetURL,
		"variant", variantURL,
		"depth", depth,
	)

	if out, ok := r.cached(ctx, variantURL); ok {
		return out, nil
	}

	res, err := r.fetcher.Fetch(ctx, variantURL, rc.Header)
	if err != nil {
		return "", fmt.Errorf("fetch variant: %w", err)
	}
	text, err := res.ReadText()
	if err != nil {
		return "", fmt.Errorf("read variant %s: %w", variantURL, err)
	}

	out, err := r.Process(ctx, variantURL, text, depth+1, rc)
	if err != nil {
		return "", err
	}

	// Nested masters cache their own media variant; only media results are stored here.
	if _, ok := Classify(text).(Media); ok {
		r.remember(ctx, variantURL, out)
	}
	return out, nil
}

// rewriteMedia routes every segment, key and map reference through the proxy.
func (r *Rewriter) rewriteMedia(base, content string, rc *Context) string {
	nl := lineEnding(content)

	var b strings.Builder
	b.Grow(len(content) * 2)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#EXT-X-KEY"), strings.HasPrefix(trimmed, "#EXT-X-MAP"):
			line = r.rewriteAttributes(base, line, rc)
		case strings.HasPrefix(trimmed, "#"):
			// other tags pass through
		default:
			line = proxyurl.Path(rc.resolver.Resolve(base, trimmed))
		}
		b.WriteString(line)
		b.WriteString(nl)
	}
	return b.String()
}

// rewriteAttributes proxies URI="..." and absolute *URI="..." values.
// Values that do not resolve to http(s), such as data: URIs, are kept.
func (r *Rewriter) rewriteAttributes(base, line string, rc *Context) string {
	return uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
		m := uriAttr.FindStringSubmatch(attr)
		name, value := m[1], m[2]
		if name != "URI" && !proxyurl.IsAbsoluteHTTP(value) {
			return attr
		}
		resolved := rc.resolver.Resolve(base, value)
		if !proxyurl.IsAbsoluteHTTP(resolved) {
			return attr
		}
		return name + `="` + proxyurl.Path(resolved) + `"`
	})
}

func (r *Rewriter) cached(ctx context.Context, variantURL string) (string, bool) {
	if r.store == nil {
		return "", false
	}
	out, ok, err := r.store.Get(ctx, cache.PlaylistKey(variantURL))
	if err != nil {
		r.logger.Warn("playlist cache read failed", "url", variantURL, "error", err)
		return "", false
	}
	if ok {
		r.logger.Debug("playlist cache hit", "url", variantURL)
	}
	return out, ok
}

func (r *Rewriter) remember(ctx context.Context, variantURL, out string) {
	if r.store == nil {
		return
	}
	if err := r.store.Put(ctx, cache.PlaylistKey(variantURL), out, r.ttl); err != nil {
		r.logger.Warn("playlist cache write failed", "url", variantURL, "error", err)
	}
}

func (r *Rewriter) observe(kind string) {
	if r.metrics == nil {
		return
	}
	r.metrics.PlaylistRewrites.WithLabelValues(kind).Inc()
}
