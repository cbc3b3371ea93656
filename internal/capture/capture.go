// Package capture implements the output-start callback handed to blocking
// applications and accumulates the response they produce.
package capture

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"golang.org/x/net/http/httpguts"

	"syncgate-go/internal/hopbyhop"
)

// ErrProtocolViolation marks every misuse of the response contract.
var ErrProtocolViolation = errors.New("response protocol violation")

// Header is one response header line. Order and duplicates are preserved.
type Header struct {
	Name  string
	Value string
}

// WriteFunc appends body bytes to the response.
type WriteFunc func(p []byte) error

// StartFunc is the output-start callback. A second call is allowed only before
// any body byte has been captured and replaces the first status and headers.
// excInfo carries the error that caused the override, if any.
type StartFunc func(status string, headers []Header, excInfo error) (WriteFunc, error)

// Capture records one response. It is safe for concurrent use, but is
// normally written by a single worker and read after the worker is done.
type Capture struct {
	mu sync.Mutex

	code    int
	reason  string
	headers []Header
	chunks  [][]byte

	starts      int
	bodyStarted bool
	violation   error
}

// New returns an empty Capture.
func New() *Capture {
	return &Capture{}
}

// StartResponse is the StartFunc for this capture.
func (c *Capture) StartResponse(status string, headers []Header, excInfo error) (WriteFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.bodyStarted:
		if excInfo != nil {
			return nil, c.violate(errors.Wrap(excInfo, "start_response called after body output began"))
		}
		return nil, c.violate(errors.New("start_response called after body output began"))
	case c.starts >= 2:
		return nil, c.violate(errors.New("start_response called more than twice"))
	}

	code, reason, err := parseStatus(status)
	if err != nil {
		return nil, c.violate(err)
	}
	for _, h := range headers {
		if err := checkHeader(h); err != nil {
			return nil, c.violate(err)
		}
	}

	c.code = code
	c.reason = reason
	c.headers = slices.Clone(headers)
	c.chunks = nil
	c.starts++
	return c.Write, nil
}

// Write appends a copy of p to the body. Empty chunks are ignored.
func (c *Capture) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.starts == 0 {
		return c.violate(errors.New("body output before start_response"))
	}
	if len(p) == 0 {
		return nil
	}
	c.chunks = append(c.chunks, slices.Clone(p))
	c.bodyStarted = true
	return nil
}

// violate records the first violation and returns err marked as one.
func (c *Capture) violate(err error) error {
	err = errors.Mark(err, ErrProtocolViolation)
	if c.violation == nil {
		c.violation = err
	}
	return err
}

// Status returns the captured status code and reason phrase.
func (c *Capture) Status() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

// Headers returns a copy of the captured header list.
func (c *Capture) Headers() []Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.headers)
}

// Chunks returns the captured body chunks in order.
func (c *Capture) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.chunks)
}

// Len returns the total body length.
func (c *Capture) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.SumBy(c.chunks, func(b []byte) int64 { return int64(len(b)) })
}

// Finish checks the completed response. It returns the first recorded
// violation, even one the application swallowed. It also fails when
// StartResponse was never called, when a 204 or 304 response carries a body,
// or when a declared Content-Length disagrees with the body.
func (c *Capture) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.violation != nil {
		return c.violation
	}
	if c.starts == 0 {
		return c.violate(errors.New("application returned without calling start_response"))
	}

	size := lo.SumBy(c.chunks, func(b []byte) int64 { return int64(len(b)) })
	if size > 0 && (c.code == http.StatusNoContent || c.code == http.StatusNotModified) {
		return c.violate(errors.Newf("status %d does not allow a body", c.code))
	}
	for _, h := range c.headers {
		if !strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		declared, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
		if err != nil || declared < 0 {
			return c.violate(errors.Newf("invalid Content-Length %q", h.Value))
		}
		if declared != size {
			return c.violate(errors.Newf("Content-Length %d does not match body length %d", declared, size))
		}
	}
	return nil
}

// parseStatus splits "NNN reason". A missing reason falls back to the
// canonical text for the code.
func parseStatus(status string) (int, string, error) {
	codeText, reason, _ := strings.Cut(status, " ")
	if len(codeText) != 3 {
		return 0, "", errors.Newf("malformed status %q", status)
	}
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 200 || code > 999 {
		return 0, "", errors.Newf("malformed status %q", status)
	}
	if reason == "" {
		reason = http.StatusText(code)
	}
	return code, reason, nil
}

func checkHeader(h Header) error {
	if !httpguts.ValidHeaderFieldName(h.Name) {
		return errors.Newf("invalid header name %q", h.Name)
	}
	if !httpguts.ValidHeaderFieldValue(h.Value) {
		return errors.Newf("invalid value for header %q", h.Name)
	}
	if hopbyhop.Is(h.Name) {
		return errors.Newf("hop-by-hop header %q not allowed", h.Name)
	}
	return nil
}
