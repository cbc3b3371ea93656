package bridge

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"syncgate-go/internal/capture"
)

// Response is a fully materialized response ready for the network.
type Response struct {
	Code    int
	Reason  string
	Headers []capture.Header
	Chunks  [][]byte
}

// Sink receives the final response for one request.
type Sink interface {
	WriteResponse(r *Response) error
}

// ResponseWriterSink writes to an http.ResponseWriter. net/http always
// sends the canonical reason phrase, so Response.Reason is dropped.
type ResponseWriterSink struct {
	W http.ResponseWriter
}

// WriteResponse implements Sink.
func (s ResponseWriterSink) WriteResponse(r *Response) error {
	h := s.W.Header()
	for _, hd := range r.Headers {
		h.Add(hd.Name, hd.Value)
	}
	s.W.WriteHeader(r.Code)
	for _, chunk := range r.Chunks {
		if _, err := s.W.Write(chunk); err != nil {
			return errors.Wrap(err, "write response body")
		}
	}
	return nil
}
