package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"m3u8-proxy-go/internal/client"
	"m3u8-proxy-go/internal/model"
	"m3u8-proxy-go/internal/playlist"
	"m3u8-proxy-go/internal/proxyurl"
	"m3u8-proxy-go/internal/response"
	"m3u8-proxy-go/internal/service"
)

// ProxyHandler serves GET /proxy/{encoded-url}.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// errorBody is the JSON shape of every proxy failure.
type errorBody struct {
	Error          string `json:"error"`
	Target         string `json:"target,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Handle decodes the target from the request path and writes the proxied
// resource, rewriting playlists on the way through.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	target := targetFromRequest(req)

	resp, err := h.service.Forward(req.Context(), &model.ProxyRequest{
		TargetURL: target,
		Header:    req.Header,
	})
	if err != nil {
		return h.mapError(c, target, err)
	}
	defer func() { _ = resp.Close() }()

	w := c.Response()
	ttl := h.service.TTL()

	switch {
	case resp.Playlist:
		return response.Playlist(w, string(resp.Body), ttl)
	case resp.Stream == nil:
		return response.Buffered(w, resp.StatusCode, resp.Header, resp.Body, ttl)
	}

	n, err := response.Stream(w, resp.StatusCode, resp.Header, resp.Stream, ttl)
	if err == nil {
		return nil
	}
	var readErr *response.UpstreamReadError
	if errors.As(err, &readErr) && req.Context().Err() == nil {
		h.logger.Error("upstream stream failed",
			"err", err,
			"target", target,
			"bytes", n,
		)
		// Headers are already sent; abort so the client sees a broken
		// response instead of a silently truncated one.
		panic(http.ErrAbortHandler)
	}
	h.logger.Debug("client went away during stream",
		"err", err,
		"target", target,
		"bytes", n,
	)
	return nil
}

// targetFromRequest decodes the upstream URL from the escaped request path.
// A query string on the proxy URL itself is merged into the target's.
func targetFromRequest(req *http.Request) string {
	target := proxyurl.TargetFromPath(req.URL.EscapedPath())
	if req.URL.RawQuery == "" {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + req.URL.RawQuery
}

func (h *ProxyHandler) mapError(c echo.Context, target string, err error) error {
	var badReq *service.BadRequestError
	if errors.As(err, &badReq) {
		h.logger.Debug("rejected target", "target", target, "err", err)
		return c.JSON(http.StatusBadRequest, errorBody{
			Error:  "target must be an absolute http(s) URL",
			Target: target,
		})
	}

	h.logger.Error("proxy error",
		"err", err,
		"target", target,
	)

	var limitErr *playlist.RecursionLimitError
	if errors.As(err, &limitErr) {
		return c.JSON(http.StatusLoopDetected, errorBody{
			Error:  "playlist nesting exceeds the recursion limit",
			Target: target,
			Detail: limitErr.Error(),
		})
	}

	var upErr *client.UpstreamError
	if errors.As(err, &upErr) && upErr.StatusCode != 0 {
		return c.JSON(http.StatusBadGateway, errorBody{
			Error:          "upstream returned an error status",
			Target:         upErr.URL,
			UpstreamStatus: upErr.StatusCode,
			Detail:         upErr.Snippet,
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody{
			Error:  "upstream request timed out",
			Target: target,
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Error:  "client disconnected",
			Target: target,
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Error:  "upstream host unreachable",
			Target: target,
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, errorBody{
			Error:  "upstream request timed out",
			Target: target,
		})
	}

	if upErr != nil {
		return c.JSON(http.StatusBadGateway, errorBody{
			Error:  "upstream connection failed",
			Target: target,
		})
	}

	return c.JSON(http.StatusBadGateway, errorBody{
		Error:  "upstream request failed",
		Target: target,
	})
}
