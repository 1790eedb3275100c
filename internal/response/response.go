// Package response writes proxy responses: CORS and preflight headers,
// rewritten playlists, and buffered or streamed upstream resources.
package response

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"m3u8-proxy-go/internal/client"
)

// CORS header values shared by every response.
const (
	AllowOrigin  = "*"
	AllowMethods = "GET, HEAD, POST, OPTIONS"
	AllowHeaders = "*"
	MaxAge       = "86400"
)

// strippedHeaders never reach the client: credentials, server fingerprints
// and hop-by-hop headers.
var strippedHeaders = []string{
	"Set-Cookie",
	"Cookie",
	"Authorization",
	"Www-Authenticate",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Server",
	"X-Powered-By",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// policyHeaders are set by the proxy itself; upstream values are dropped so
// the client never sees two conflicting copies.
var policyHeaders = []string{
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Cross-Origin-Resource-Policy",
}

// skippedHeaders is the canonical set of upstream headers ResourceHeader
// does not copy.
var skippedHeaders = func() map[string]bool {
	m := make(map[string]bool, len(strippedHeaders)+len(policyHeaders))
	for _, k := range strippedHeaders {
		m[http.CanonicalHeaderKey(k)] = true
	}
	for _, k := range policyHeaders {
		m[http.CanonicalHeaderKey(k)] = true
	}
	return m
}()

// CORS sets the permissive cross-origin headers on h.
func CORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", AllowOrigin)
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
}

// Preflight answers a CORS preflight request.
func Preflight(w http.ResponseWriter) {
	h := w.Header()
	CORS(h)
	h.Set("Access-Control-Max-Age", MaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// Playlist writes a rewritten playlist.
func Playlist(w http.ResponseWriter, body string, ttl time.Duration) error {
	h := w.Header()
	CORS(h)
	h.Set("Content-Type", client.PlaylistContentType)
	h.Set("Cache-Control", "public, max-age="+seconds(ttl))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, err := io.WriteString(w, body)
	return err
}

// ResourceHeader copies upstream headers for a proxied resource, removing
// stripped headers and setting browser and CDN cache directives. The browser
// caches for a quarter of ttl (at least one second), CDNs for all of it.
// Security policy headers already on dst are left as they are.
func ResourceHeader(dst, upstream http.Header, ttl time.Duration) {
	for k, vals := range upstream {
		if skippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}

	browser := ttl / 4
	if browser < time.Second {
		browser = time.Second
	}
	dst.Set("Cache-Control", "public, max-age="+seconds(browser))
	dst.Set("Surrogate-Control", "max-age="+seconds(ttl))
	dst.Set("CDN-Cache-Control", "public, max-age="+seconds(ttl))
	CORS(dst)
}

// Buffered writes a fully buffered resource.
func Buffered(w http.ResponseWriter, status int, upstream http.Header, body []byte, ttl time.Duration) error {
	h := w.Header()
	ResourceHeader(h, upstream, ttl)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}

// UpstreamReadError reports that the upstream body failed mid-stream.
type UpstreamReadError struct {
	Err error
}

func (e *UpstreamReadError) Error() string {
	return "read upstream stream: " + e.Err.Error()
}

func (e *UpstreamReadError) Unwrap() error {
	return e.Err
}

// Stream relays body to w, flushing after every chunk so the client
// receives data as it arrives. A failed upstream read is returned as an
// *UpstreamReadError; any other error comes from writing to the client.
func Stream(w http.ResponseWriter, status int, upstream http.Header, body io.Reader, ttl time.Duration) (int64, error) {
	ResourceHeader(w.Header(), upstream, ttl)
	w.WriteHeader(status)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			nw, werr := w.Write(buf[:n])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, &UpstreamReadError{Err: rerr}
		}
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
