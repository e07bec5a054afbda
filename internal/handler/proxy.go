package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/antoncomputershare/reverse-proxy/internal/balancer"
	"github.com/antoncomputershare/reverse-proxy/internal/client"
	"github.com/antoncomputershare/reverse-proxy/internal/model"
	"github.com/antoncomputershare/reverse-proxy/internal/route"
	"github.com/antoncomputershare/reverse-proxy/internal/service"
	"github.com/antoncomputershare/reverse-proxy/internal/telemetry"
)

// Plain-text bodies written for requests the proxy answers itself.
const (
	msgNoRoute         = "No route configured"
	msgNoUpstream      = "No upstream available"
	msgUpstreamError   = "Upstream error"
	msgInvalidUpstream = "Invalid upstream URI"
	msgUpstreamTimeout = "Upstream timed out"
)

// ProxyHandler routes every inbound request on the proxy listener to an
// upstream and relays the response.
type ProxyHandler struct {
	table     *route.Table
	selector  balancer.Selector
	forwarder *service.Forwarder
	store     *telemetry.Store
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(table *route.Table, sel balancer.Selector, fwd *service.Forwarder, store *telemetry.Store, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		table:     table,
		selector:  sel,
		forwarder: fwd,
		store:     store,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle proxies a single request. Every call appends exactly one request
// record to the store, whatever the outcome.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	h.store.IncTotal()
	h.store.IncActive()
	defer h.store.DecActive()

	id := req.Header.Get(echo.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
		req.Header.Set(echo.HeaderXRequestID, id)
	}
	c.Set(model.ContextKeyRequestID, id)

	path := req.URL.EscapedPath()
	entry := telemetry.RequestLog{
		ID:        id,
		Timestamp: start,
		Method:    req.Method,
		Path:      path,
		Host:      req.Host,
		Status:    http.StatusInternalServerError,
		Upstream:  telemetry.NoUpstream,
	}
	defer func() {
		entry.Duration = time.Since(start)
		h.store.Append(entry)
	}()

	rt, ok := h.table.FindRoute(req.Host, path)
	if !ok {
		entry.Status = http.StatusNotFound
		return h.fail(c, http.StatusNotFound, msgNoRoute)
	}
	c.Set(model.ContextKeyRoute, rt.Name)

	up, ok := h.selector.Select(rt.Upstreams)
	if !ok {
		h.logger.Warn("no upstream available", "route", rt.Name, "request_id", id)
		entry.Status = http.StatusServiceUnavailable
		return h.fail(c, http.StatusServiceUnavailable, msgNoUpstream)
	}
	entry.Upstream = up.URL

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Host:          req.Host,
		Path:          path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		TLS:           req.TLS != nil,
	}

	resp, err := h.forwarder.Forward(pr, rt, up)
	if err != nil {
		h.logger.Error("proxy error",
			"err", err,
			"route", rt.Name,
			"upstream", up.URL,
			"request_id", id,
		)
		entry.Status = http.StatusBadGateway
		return h.fail(c, http.StatusBadGateway, upstreamMessage(err))
	}
	defer func() { _ = resp.Body.Close() }()

	entry.Status = resp.StatusCode
	h.relay(c, resp)
	return nil
}

// relay writes the upstream status, headers, body and trailers to the client.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) {
	res := c.Response()
	dst := res.Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	res.WriteHeader(resp.StatusCode)
	_ = http.NewResponseController(res.Writer).Flush()

	// The status code has already been sent, so a failed copy leaves the
	// client with a truncated body.
	if _, err := io.Copy(res, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return
	}

	// Trailer values are only known once the body has been read to EOF.
	for key, vals := range resp.Trailer {
		for _, v := range vals {
			dst.Add(http.TrailerPrefix+key, v)
		}
	}
}

func (h *ProxyHandler) fail(c echo.Context, code int, msg string) error {
	h.store.IncErrors()
	return c.String(code, msg)
}

func upstreamMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidTarget):
		return msgInvalidUpstream
	case client.IsTimeout(err):
		return msgUpstreamTimeout
	default:
		return msgUpstreamError
	}
}
