package apps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"syncgate-go/internal/bridge"
	"syncgate-go/internal/capture"
	"syncgate-go/internal/client"
	"syncgate-go/internal/environ"
	"syncgate-go/internal/hopbyhop"
)

const userAgent = "syncgate/1.0"

// readChunk is the size of body chunks read from the upstream.
const readChunk = 32 * 1024

// Upstream forwards each request to a fixed base URL and blocks until the
// upstream has answered.
type Upstream struct {
	client  *client.UpstreamClient
	baseURL *url.URL
	logger  *slog.Logger
}

// NewUpstream creates an Upstream application for baseURL.
func NewUpstream(baseURL string, c *client.UpstreamClient, logger *slog.Logger) (*Upstream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse upstream base_url")
	}
	return &Upstream{
		client:  c,
		baseURL: u,
		logger:  logger.With("component", "upstream_app"),
	}, nil
}

// Serve implements bridge.App.
func (a *Upstream) Serve(env *environ.Environment, start capture.StartFunc) (bridge.Chunks, error) {
	var body io.Reader
	length := int64(-1)
	if env.ContentLength != "" {
		n, err := strconv.ParseInt(env.ContentLength, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse CONTENT_LENGTH %q", env.ContentLength)
		}
		length = n
	}
	if length != 0 && (length > 0 || env.RequestMethod != http.MethodGet && env.RequestMethod != http.MethodHead) {
		body = env.Input
	}

	resp, err := a.client.DoStream(env.Context(), env.RequestMethod, a.buildURL(env), requestHeader(env), body, length)
	if err != nil {
		_, _ = fmt.Fprintf(env.Errors, "upstream: %v\n", err)
		return gatewayError(start, err)
	}

	hopbyhop.Strip(resp.Header)
	resp.Header.Del("Content-Length")

	if _, err := start(resp.Status, responseHeaders(resp.Header), nil); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	return func(yield func([]byte, error) bool) {
		defer func() { _ = resp.Body.Close() }()
		buf := make([]byte, readChunk)
		for {
			n, err := resp.Body.Read(buf)
			// Chunks are copied on capture, so buf can be reused.
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, errors.Wrap(err, "read upstream body"))
				return
			}
		}
	}, nil
}

func (a *Upstream) buildURL(env *environ.Environment) string {
	u := *a.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + env.PathInfo
	u.RawPath = ""
	u.RawQuery = env.QueryString
	return u.String()
}

// requestHeader rebuilds the outgoing header from HTTP_* variables.
func requestHeader(env *environ.Environment) http.Header {
	h := make(http.Header, len(env.Headers)+4)
	for _, v := range env.Headers {
		name := strings.TrimPrefix(v.Name, "HTTP_")
		if name == "HOST" {
			h.Set("X-Forwarded-Host", v.Value)
			continue
		}
		h.Add(strings.ReplaceAll(name, "_", "-"), v.Value)
	}
	if env.ContentType != "" {
		h.Set("Content-Type", env.ContentType)
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", userAgent)
	}
	if env.RemoteAddr != "" && env.RemoteAddr != "unix" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+env.RemoteAddr)
		} else {
			h.Set("X-Forwarded-For", env.RemoteAddr)
		}
	}
	h.Set("X-Forwarded-Proto", env.URLScheme)
	return h
}

// responseHeaders flattens h in a stable order.
func responseHeaders(h http.Header) []capture.Header {
	names := lo.Keys(h)
	slices.Sort(names)
	out := make([]capture.Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, capture.Header{Name: name, Value: v})
		}
	}
	return out
}

// gatewayError answers with 504 for timeouts and 502 for everything else.
func gatewayError(start capture.StartFunc, err error) (bridge.Chunks, error) {
	status := "502 Bad Gateway"
	msg := "upstream request failed"

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		status = "504 Gateway Timeout"
		msg = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		msg = "client disconnected"
	}

	if _, serr := start(status, []capture.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}}, nil); serr != nil {
		return nil, serr
	}
	return bridge.Bytes([]byte(msg)), nil
}
