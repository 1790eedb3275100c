// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyRequest is one inbound proxy call after the target has been decoded.
type ProxyRequest struct {
	TargetURL string
	Header    http.Header // client request headers
}

// FetchResult is an upstream response as seen by the proxy. Exactly one of
// Body or Stream carries the payload: Stream when IsStream is set, Body
// otherwise. Text is populated alongside Body for textual content.
type FetchResult struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	IsText      bool
	IsStream    bool

	Body   []byte
	Text   string
	Stream io.ReadCloser
}

// Close releases the upstream stream, if any.
func (r *FetchResult) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// ReadText returns the payload as a string, draining and closing the
// stream when the result was not buffered.
func (r *FetchResult) ReadText() (string, error) {
	if !r.IsStream {
		if r.IsText {
			return r.Text, nil
		}
		return string(r.Body), nil
	}
	defer func() { _ = r.Stream.Close() }()
	data, err := io.ReadAll(r.Stream)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ProxyResponse is what the dispatcher hands back for one proxy call. A
// playlist response carries rewritten text in Body; other responses carry
// either Body or Stream, like FetchResult.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Playlist   bool
	Cached     bool

	Body   []byte
	Stream io.ReadCloser
}

// Close releases the upstream stream, if any.
func (r *ProxyResponse) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}
