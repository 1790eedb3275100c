package client

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// PlaylistContentType is the canonical HLS playlist MIME type.
const PlaylistContentType = "application/vnd.apple.mpegurl"

// playlistMIMETypes are the content types HLS servers use for playlists.
var playlistMIMETypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"application/mpegurl":           true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsPlaylistContentType reports whether contentType names an M3U8 playlist.
func IsPlaylistContentType(contentType string) bool {
	return playlistMIMETypes[mediaType(contentType)]
}

// IsTextContentType reports whether a body of this type is handled as text.
func IsTextContentType(contentType string) bool {
	mt := mediaType(contentType)
	return strings.HasPrefix(mt, "text/") || playlistMIMETypes[mt]
}

// decodeBody undoes a Content-Encoding the proxy asked for. When it decodes,
// it removes Content-Encoding and Content-Length from header and reports the
// length as unknown. Unrecognized encodings pass through untouched.
func decodeBody(body io.ReadCloser, header http.Header, length int64) (io.ReadCloser, int64, error) {
	var (
		r   io.Reader
		err error
	)
	switch strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(body)
	case "br":
		r = brotli.NewReader(body)
	case "deflate":
		r, err = zlib.NewReader(body)
	default:
		return body, length, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s body: %w", header.Get("Content-Encoding"), err)
	}

	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &decodedBody{Reader: r, body: body}, -1, nil
}

// decodedBody closes the underlying response body when the decoder is done.
type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.body.Close()
}
