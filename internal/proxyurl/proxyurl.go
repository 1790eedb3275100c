// Package proxyurl resolves playlist references and converts absolute URLs
// to and from the /proxy/ path form.
package proxyurl

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// Prefix is the route every proxied URL is served under.
const Prefix = "/proxy/"

var absoluteHTTP = regexp.MustCompile(`(?i)^https?://`)

// IsAbsoluteHTTP reports whether s starts with an http:// or https:// scheme.
func IsAbsoluteHTTP(s string) bool {
	return absoluteHTTP.MatchString(s)
}

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https and a host.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	if !IsAbsoluteHTTP(u) {
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return (s == "http" || s == "https") && parsed.Host != ""
}

// Encode percent-encodes s the way browsers' encodeURIComponent does, so the
// result can sit in a single path segment and PathUnescape reverses it.
func Encode(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

// componentUnescaper turns QueryEscape output into encodeURIComponent
// output: spaces as %20 and the marks !'()* left literal.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// Path returns the proxied form of an absolute URL.
func Path(absolute string) string {
	return Prefix + Encode(absolute)
}

// TargetFromPath extracts the upstream URL from an escaped request path such
// as /proxy/https%3A%2F%2Fcdn%2Fa.m3u8. If the remainder cannot be decoded
// the raw string is returned unchanged.
func TargetFromPath(escapedPath string) string {
	raw := strings.TrimPrefix(escapedPath, Prefix)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

type memoKey struct {
	base string
	ref  string
}

// Resolver turns playlist references into absolute URLs, remembering every
// (base, reference) pair it has seen. A Resolver belongs to one top-level
// request and is not safe for concurrent use.
type Resolver struct {
	memo   map[memoKey]string
	logger *slog.Logger
}

// NewResolver creates an empty Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		memo:   make(map[memoKey]string),
		logger: logger,
	}
}

// Resolve returns ref as an absolute URL relative to base. Absolute http(s)
// references are returned as-is. If either side cannot be parsed the
// original reference is returned.
func (r *Resolver) Resolve(base, ref string) string {
	if IsAbsoluteHTTP(ref) {
		return ref
	}
	key := memoKey{base: base, ref: ref}
	if v, ok := r.memo[key]; ok {
		return v
	}

	resolved := ref
	b, err := url.Parse(base)
	if err == nil {
		var u *url.URL
		u, err = url.Parse(ref)
		if err == nil {
			resolved = b.ResolveReference(u).String()
		}
	}
	if err != nil {
		r.logger.Debug("unresolvable playlist reference",
			"base", base,
			"ref", ref,
			"err", err,
		)
	}

	r.memo[key] = resolved
	return resolved
}

// Len reports how many distinct references have been resolved.
func (r *Resolver) Len() int {
	return len(r.memo)
}
