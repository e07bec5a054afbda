// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/antoncomputershare/reverse-proxy/internal/client"
	"github.com/antoncomputershare/reverse-proxy/internal/model"
	"github.com/antoncomputershare/reverse-proxy/internal/route"
)

var (
	// ErrInvalidTarget is returned when the computed upstream URL is not a
	// usable absolute http(s) URL. It is a configuration error surfaced per request.
	ErrInvalidTarget = errors.New("invalid upstream target")

	// ErrUpstreamTransport is returned when the upstream could not be reached
	// or did not answer (connect error, timeout, reset).
	ErrUpstreamTransport = errors.New("upstream transport failure")
)

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder rewrites the request for the chosen upstream and sends it.
type Forwarder struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(c *client.UpstreamClient, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: c,
		logger: logger.With("component", "forwarder"),
	}
}

// Forward sends pr to up using rt's path policy and returns the upstream response.
// The caller is responsible for closing the response body.
//
// Errors wrap ErrInvalidTarget or ErrUpstreamTransport. No retry is attempted.
func (f *Forwarder) Forward(pr *model.ProxyRequest, rt *route.Route, up *route.Upstream) (*model.ProxyResponse, error) {
	path := RewritePath(rt, pr.Path)
	target := BuildTargetURL(up.URL, path, pr.RawQuery)

	u, err := parseTarget(target)
	if err != nil {
		return nil, err
	}

	header := OutboundHeaders(pr)

	f.logger.Debug("forwarding request",
		"route", rt.Name,
		"method", pr.Method,
		"target", u.Redacted(),
	)

	resp, err := f.client.DoStream(pr.Ctx, pr.Method, target, u.Host, header, pr.Body, contentLength(pr))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamTransport, err)
	}

	dropHopByHop(resp.Header)
	return resp, nil
}

// RewritePath applies the route's strip/rewrite policy. With StripPrefix set
// the matched prefix is removed (the path is left alone if it does not carry
// the prefix) and RewritePrefix, when configured, is prepended. Without
// StripPrefix the path is forwarded unchanged.
func RewritePath(rt *route.Route, path string) string {
	if !rt.StripPrefix {
		return path
	}
	stripped, ok := strings.CutPrefix(path, rt.PathPrefix)
	if !ok {
		stripped = path
	}
	if rt.RewritePrefix != nil {
		return *rt.RewritePrefix + stripped
	}
	return stripped
}

// BuildTargetURL concatenates the upstream base URL, the rewritten path and
// the original query string, verbatim.
func BuildTargetURL(base, path, rawQuery string) string {
	if rawQuery == "" {
		return base + path
	}
	return base + path + "?" + rawQuery
}

func parseTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidTarget, target)
	}
	return u, nil
}

// OutboundHeaders returns the headers sent upstream: a copy of the inbound
// headers minus hop-by-hop fields, plus X-Forwarded-For/-Host/-Proto. The
// Host header is not copied; the outbound request carries the upstream host.
func OutboundHeaders(pr *model.ProxyRequest) http.Header {
	h := pr.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	dropHopByHop(h)
	h.Del("Host")

	if ip, _, err := net.SplitHostPort(pr.RemoteAddr); err == nil && ip != "" {
		const key = "X-Forwarded-For"
		if prior := h.Get(key); prior != "" {
			h.Set(key, prior+", "+ip)
		} else {
			h.Set(key, ip)
		}
	}
	if pr.Host != "" {
		h.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.TLS {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	return h
}

// dropHopByHop removes hop-by-hop headers, including any named in Connection.
func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func contentLength(pr *model.ProxyRequest) int64 {
	if pr.ContentLength != 0 {
		return pr.ContentLength
	}
	return -1
}
