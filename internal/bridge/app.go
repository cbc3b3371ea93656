// Package bridge runs blocking applications behind the echo server.
//
// A Coordinator owns each request from the moment echo hands it over until
// the response is written. Application code only ever runs on dispatch
// workers; the request goroutine builds the environment, waits on the
// ticket and writes the captured response.
package bridge

import (
	"iter"

	"syncgate-go/internal/capture"
	"syncgate-go/internal/environ"
)

// Chunks is the body sequence returned by an application. A non-nil error
// ends the response with a server error.
type Chunks = iter.Seq2[[]byte, error]

// App is a blocking application. Serve must call start before yielding or
// writing any body bytes.
type App interface {
	Serve(env *environ.Environment, start capture.StartFunc) (Chunks, error)
}

// AppFunc adapts a function to App.
type AppFunc func(env *environ.Environment, start capture.StartFunc) (Chunks, error)

// Serve implements App.
func (f AppFunc) Serve(env *environ.Environment, start capture.StartFunc) (Chunks, error) {
	return f(env, start)
}

// Bytes returns a sequence over the given chunks.
func Bytes(chunks ...[]byte) Chunks {
	return func(yield func([]byte, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Fail returns a sequence that yields err once.
func Fail(err error) Chunks {
	return func(yield func([]byte, error) bool) {
		yield(nil, err)
	}
}
