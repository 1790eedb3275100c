// Package service implements the proxy request dispatcher: cache lookup,
// upstream fetch, playlist detection and rewriting.
package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"m3u8-proxy-go/internal/cache"
	"m3u8-proxy-go/internal/client"
	"m3u8-proxy-go/internal/config"
	"m3u8-proxy-go/internal/metrics"
	"m3u8-proxy-go/internal/model"
	"m3u8-proxy-go/internal/playlist"
	"m3u8-proxy-go/internal/proxyurl"
)

var (
	playlistMagic = []byte("#EXTM3U")
	utf8BOM       = []byte("\xEF\xBB\xBF")
)

// BadRequestError is returned for targets the proxy refuses to fetch.
type BadRequestError struct {
	Target string
}

func (e *BadRequestError) Error() string {
	if e.Target == "" {
		return "missing target URL"
	}
	return fmt.Sprintf("target %q is not an absolute http(s) URL", e.Target)
}

// ProxyService dispatches proxy requests.
type ProxyService struct {
	fetcher  playlist.Fetcher
	rewriter *playlist.Rewriter
	store    cache.Store
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. store may be nil when caching is
// disabled, and m may be nil to disable metrics.
func NewProxyService(
	f playlist.Fetcher,
	rw *playlist.Rewriter,
	store cache.Store,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		fetcher:  f,
		rewriter: rw,
		store:    store,
		ttl:      cfg.Proxy.TTL(),
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// TTL is the cache lifetime applied to responses.
func (s *ProxyService) TTL() time.Duration {
	return s.ttl
}

// Forward resolves a proxy request. The caller must Close the response.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if !proxyurl.IsHTTPOrHTTPS(pr.TargetURL) {
		return nil, &BadRequestError{Target: pr.TargetURL}
	}

	resp, contentType, err := s.load(ctx, pr)
	if err != nil {
		return nil, err
	}
	if resp.Stream != nil {
		return resp, nil
	}

	if !isPlaylist(contentType, resp.Body) {
		return resp, nil
	}

	rc := playlist.NewContext(pr.TargetURL, pr.Header, s.logger)
	text := string(bytes.TrimPrefix(resp.Body, utf8BOM))
	out, err := s.rewriter.Process(ctx, pr.TargetURL, text, 0, rc)
	if err != nil {
		return nil, err
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Playlist:   true,
		Cached:     resp.Cached,
		Body:       []byte(out),
	}, nil
}

// load returns the raw resource from cache or upstream. Buffered upstream
// results are written back to the raw cache.
func (s *ProxyService) load(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, string, error) {
	if entry, ok := s.cachedRaw(ctx, pr.TargetURL); ok {
		body, err := entry.Bytes()
		if err == nil {
			header := entry.Header()
			return &model.ProxyResponse{
				StatusCode: http.StatusOK,
				Header:     header,
				Cached:     true,
				Body:       body,
			}, header.Get("Content-Type"), nil
		}
		s.logger.Warn("raw cache entry unreadable", "url", pr.TargetURL, "error", err)
	}

	res, err := s.fetcher.Fetch(ctx, pr.TargetURL, pr.Header)
	if err != nil {
		return nil, "", err
	}

	if res.IsStream {
		if s.metrics != nil {
			s.metrics.StreamedResponses.Inc()
		}
		return &model.ProxyResponse{
			StatusCode: res.StatusCode,
			Header:     res.Header,
			Stream:     res.Stream,
		}, res.ContentType, nil
	}

	s.storeRaw(ctx, pr.TargetURL, res)
	return &model.ProxyResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
	}, res.ContentType, nil
}

func (s *ProxyService) cachedRaw(ctx context.Context, targetURL string) (cache.RawEntry, bool) {
	if s.store == nil {
		return cache.RawEntry{}, false
	}
	v, ok, err := s.store.Get(ctx, cache.RawKey(targetURL))
	if err != nil {
		s.logger.Warn("raw cache read failed", "url", targetURL, "error", err)
		return cache.RawEntry{}, false
	}
	if !ok {
		return cache.RawEntry{}, false
	}
	entry, err := cache.DecodeRaw(v)
	if err != nil {
		s.logger.Warn("raw cache entry unreadable", "url", targetURL, "error", err)
		return cache.RawEntry{}, false
	}
	s.logger.Debug("raw cache hit", "url", targetURL)
	return entry, true
}

func (s *ProxyService) storeRaw(ctx context.Context, targetURL string, res *model.FetchResult) {
	if s.store == nil {
		return
	}
	v, err := cache.EncodeRaw(cache.NewRawEntry(res.Body, res.IsText, res.Header))
	if err != nil {
		s.logger.Warn("raw cache encode failed", "url", targetURL, "error", err)
		return
	}
	if err := s.store.Put(ctx, cache.RawKey(targetURL), v, s.ttl); err != nil {
		s.logger.Warn("raw cache write failed", "url", targetURL, "error", err)
	}
}

// isPlaylist reports whether a body is an M3U8 playlist, by content type or
// by its leading #EXTM3U marker.
func isPlaylist(contentType string, body []byte) bool {
	if client.IsPlaylistContentType(contentType) {
		return true
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(body, utf8BOM), " \t\r\n")
	return bytes.HasPrefix(trimmed, playlistMagic)
}
