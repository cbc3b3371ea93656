package model

import (
	"io"
	"net/http"
)

// UpstreamResponse is the response returned by the upstream client.
type UpstreamResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}
