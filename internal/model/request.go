// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Request describes an inbound request as seen by the network layer. It is
// the only input the environment builder needs.
type Request struct {
	Method     string
	RawPath    string // request path as sent, still percent-encoded
	RawQuery   string
	RequestURI string
	Proto      string
	Header     http.Header
	Host       string

	// ContentLength is -1 when the client did not declare one.
	ContentLength int64

	RemoteAddr string
	LocalAddr  net.Addr
	TLS        bool
	RequestID  string

	Body io.Reader
}

// FromHTTP builds a Request from an incoming *http.Request.
func FromHTTP(r *http.Request) *Request {
	rawPath := r.URL.EscapedPath()
	// Keep the bytes the client sent; EscapedPath may re-encode. Absolute
	// and asterisk forms fall back to the parsed path.
	if strings.HasPrefix(r.RequestURI, "/") {
		rawPath, _, _ = strings.Cut(r.RequestURI, "?")
	}

	req := &Request{
		Method:        r.Method,
		RawPath:       rawPath,
		RawQuery:      r.URL.RawQuery,
		RequestURI:    r.RequestURI,
		Proto:         r.Proto,
		Header:        r.Header,
		Host:          r.Host,
		ContentLength: r.ContentLength,
		RemoteAddr:    r.RemoteAddr,
		TLS:           r.TLS != nil,
		RequestID:     r.Header.Get(echo.HeaderXRequestID),
		Body:          r.Body,
	}
	if req.RequestURI == "" {
		req.RequestURI = r.URL.RequestURI()
	}
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		req.LocalAddr = addr
	}
	if req.Body == nil {
		req.Body = http.NoBody
	}
	return req
}
