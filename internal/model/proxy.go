// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Host          string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	RemoteAddr    string
	TLS           bool
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Trailer    http.Header
	Body       io.ReadCloser
}

// Echo context keys shared between the proxy handler and middleware.
const (
	ContextKeyRoute     = "charles.route"
	ContextKeyRequestID = "charles.request_id"
)
