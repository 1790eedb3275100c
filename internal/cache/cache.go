// Package cache stores raw upstream responses and rewritten playlists in an
// expiring key/value backend.
//
// The cache is an optimization only. Callers treat every returned error as a
// miss (Get) or a no-op (Put), and a nil Store means caching is disabled.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"m3u8-proxy-go/internal/config"
	"m3u8-proxy-go/internal/metrics"
)

// Key namespaces. The two namespaces never share entries.
const (
	RawPrefix      = "raw:"
	PlaylistPrefix = "m3u8:"
)

// Store is an expiring key/value backend.
type Store interface {
	// Get returns the value stored under key. ok is false on a miss or
	// after the entry expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Put stores value under key for ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// RawKey returns the raw-resource cache key for an upstream URL.
func RawKey(targetURL string) string {
	return RawPrefix + targetURL
}

// PlaylistKey returns the processed-playlist cache key for a variant URL.
func PlaylistKey(variantURL string) string {
	return PlaylistPrefix + variantURL
}

// RawEntry is the stored form of a buffered upstream response.
type RawEntry struct {
	Body     string            `json:"body"`
	IsBase64 bool              `json:"isBase64"`
	Headers  map[string]string `json:"headers"`
}

// NewRawEntry builds a RawEntry. Binary bodies are base64 encoded and header
// names are lowercased.
func NewRawEntry(body []byte, isText bool, header http.Header) RawEntry {
	e := RawEntry{Headers: make(map[string]string, len(header))}
	if isText {
		e.Body = string(body)
	} else {
		e.Body = base64.StdEncoding.EncodeToString(body)
		e.IsBase64 = true
	}
	for k, vals := range header {
		if len(vals) > 0 {
			e.Headers[strings.ToLower(k)] = vals[0]
		}
	}
	return e
}

// Bytes returns the original body.
func (e RawEntry) Bytes() ([]byte, error) {
	if !e.IsBase64 {
		return []byte(e.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(e.Body)
	if err != nil {
		return nil, fmt.Errorf("decode cached body: %w", err)
	}
	return b, nil
}

// Header returns the stored headers as an http.Header.
func (e RawEntry) Header() http.Header {
	h := make(http.Header, len(e.Headers))
	for k, v := range e.Headers {
		h.Set(k, v)
	}
	return h
}

// EncodeRaw serializes e for storage.
func EncodeRaw(e RawEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode raw entry: %w", err)
	}
	return string(b), nil
}

// DecodeRaw parses a value written by EncodeRaw.
func DecodeRaw(s string) (RawEntry, error) {
	var e RawEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return RawEntry{}, fmt.Errorf("decode raw entry: %w", err)
	}
	return e, nil
}

// New builds the Store selected by cache.backend. It returns a nil Store
// when the backend is "none". The metrics parameter is optional.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (Store, error) {
	logger = logger.With("component", "cache")

	var (
		s   Store
		err error
	)
	switch cfg.Cache.Backend {
	case config.CacheBackendNone:
		logger.Info("cache disabled")
		return nil, nil
	case config.CacheBackendLRU:
		s = NewLRU(cfg.Cache.MaxEntries, cfg.Proxy.TTL())
	case config.CacheBackendSQLite:
		s, err = OpenSQLite(ctx, cfg.Cache.SQLitePath)
	default:
		s, err = NewMemory(cfg.Cache.MaxBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open %s backend: %w", cfg.Cache.Backend, err)
	}

	logger.Info("cache enabled", "backend", cfg.Cache.Backend, "ttl_seconds", cfg.Proxy.CacheTTL)
	if m == nil {
		return s, nil
	}
	return &observed{next: s, metrics: m}, nil
}

// observed records lookup and write outcomes per namespace.
type observed struct {
	next    Store
	metrics *metrics.Metrics
}

func (o *observed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := o.next.Get(ctx, key)
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "hit"
	}
	o.metrics.CacheLookups.WithLabelValues(namespace(key), result).Inc()
	return v, ok, err
}

func (o *observed) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	err := o.next.Put(ctx, key, value, ttl)
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.metrics.CacheWrites.WithLabelValues(namespace(key), result).Inc()
	return err
}

// Close closes the wrapped backend when it holds resources.
func (o *observed) Close() error {
	if c, ok := o.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func namespace(key string) string {
	switch {
	case strings.HasPrefix(key, RawPrefix):
		return "raw"
	case strings.HasPrefix(key, PlaylistPrefix):
		return "playlist"
	default:
		return "other"
	}
}
