// Package environ builds the request environment handed to blocking
// applications.
//
// Textual values are byte strings. Percent-decoded path bytes are carried
// as-is and never reinterpreted as UTF-8; use Latin1 to render them.
package environ

import (
	"context"
	"io"
	"maps"
	"slices"
	"strconv"

	"golang.org/x/text/encoding/charmap"
)

// Environment keys.
const (
	KeyRequestMethod  = "REQUEST_METHOD"
	KeyScriptName     = "SCRIPT_NAME"
	KeyPathInfo       = "PATH_INFO"
	KeyRawURI         = "RAW_URI"
	KeyRequestURI     = "REQUEST_URI"
	KeyQueryString    = "QUERY_STRING"
	KeyContentType    = "CONTENT_TYPE"
	KeyContentLength  = "CONTENT_LENGTH"
	KeyServerName     = "SERVER_NAME"
	KeyServerPort     = "SERVER_PORT"
	KeyServerProtocol = "SERVER_PROTOCOL"
	KeyRemoteAddr     = "REMOTE_ADDR"
	KeyRemoteHost     = "REMOTE_HOST"
	KeyRemotePort     = "REMOTE_PORT"

	KeyInput        = "gate.input"
	KeyErrors       = "gate.errors"
	KeyURLScheme    = "gate.url_scheme"
	KeyMultithread  = "gate.multithread"
	KeyMultiprocess = "gate.multiprocess"
	KeyRunOnce      = "gate.run_once"
	KeyVersion      = "gate.version"

	KeyRequestID = "gate.request_id"
	KeyRequest   = "gate.request"
	KeyWorker    = "gate.worker"
)

// fixedKeys is the iteration order of the typed fields.
var fixedKeys = []string{
	KeyRequestMethod,
	KeyScriptName,
	KeyPathInfo,
	KeyRawURI,
	KeyRequestURI,
	KeyQueryString,
	KeyContentType,
	KeyContentLength,
	KeyServerName,
	KeyServerPort,
	KeyServerProtocol,
	KeyRemoteAddr,
	KeyRemoteHost,
	KeyRemotePort,
	KeyInput,
	KeyErrors,
	KeyURLScheme,
	KeyMultithread,
	KeyMultiprocess,
	KeyRunOnce,
	KeyVersion,
}

// Input is the request body as seen by an application. It can be read again
// from the first byte after Rewind. It has no Close: the server owns the
// storage behind it.
type Input interface {
	io.Reader
	Rewind() error
}

// Version is the environment contract version reported under gate.version.
var Version = [2]int{1, 0}

// Var is one HTTP_* header variable.
type Var struct {
	Name  string
	Value string
}

// Environment is the request description handed to an application.
type Environment struct {
	RequestMethod  string
	ScriptName     string
	PathInfo       string
	RawURI         string
	RequestURI     string
	QueryString    string
	ContentType    string
	ContentLength  string // "" when the client sent no length
	ServerName     string
	ServerPort     string
	ServerProtocol string
	RemoteAddr     string
	RemoteHost     string
	RemotePort     string

	Input  Input
	Errors io.Writer

	URLScheme    string
	Multithread  bool
	Multiprocess bool
	RunOnce      bool

	// Headers holds the HTTP_* variables sorted by name.
	Headers []Var

	// Extra holds extension keys. Applications may add their own.
	Extra map[string]any

	ctx context.Context
}

// Context returns the request context. It is cancelled when the client goes
// away; applications may use it to abandon blocking work early.
func (e *Environment) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// WithContext returns a shallow copy of e bound to ctx.
func (e *Environment) WithContext(ctx context.Context) *Environment {
	e2 := *e
	e2.ctx = ctx
	return &e2
}

// Header returns the value of the HTTP_* variable for key, for example
// "HTTP_USER_AGENT".
func (e *Environment) Header(key string) (string, bool) {
	i, ok := slices.BinarySearchFunc(e.Headers, key, func(v Var, k string) int {
		switch {
		case v.Name < k:
			return -1
		case v.Name > k:
			return 1
		}
		return 0
	})
	if !ok {
		return "", false
	}
	return e.Headers[i].Value, true
}

// Get returns the value stored under key.
func (e *Environment) Get(key string) (any, bool) {
	switch key {
	case KeyRequestMethod:
		return e.RequestMethod, true
	case KeyScriptName:
		return e.ScriptName, true
	case KeyPathInfo:
		return e.PathInfo, true
	case KeyRawURI:
		return e.RawURI, true
	case KeyRequestURI:
		return e.RequestURI, true
	case KeyQueryString:
		return e.QueryString, true
	case KeyContentType:
		return e.ContentType, true
	case KeyContentLength:
		return e.ContentLength, true
	case KeyServerName:
		return e.ServerName, true
	case KeyServerPort:
		return e.ServerPort, true
	case KeyServerProtocol:
		return e.ServerProtocol, true
	case KeyRemoteAddr:
		return e.RemoteAddr, true
	case KeyRemoteHost:
		return e.RemoteHost, true
	case KeyRemotePort:
		return e.RemotePort, true
	case KeyInput:
		return e.Input, true
	case KeyErrors:
		return e.Errors, true
	case KeyURLScheme:
		return e.URLScheme, true
	case KeyMultithread:
		return e.Multithread, true
	case KeyMultiprocess:
		return e.Multiprocess, true
	case KeyRunOnce:
		return e.RunOnce, true
	case KeyVersion:
		return Version, true
	}
	if v, ok := e.Header(key); ok {
		return v, true
	}
	v, ok := e.Extra[key]
	return v, ok
}

// String returns the textual value stored under key, or "" when the key is
// missing or not textual.
func (e *Environment) String(key string) string {
	v, _ := e.Get(key)
	switch v := v.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Keys returns every key in a stable order: fixed keys, then header
// variables, then extension keys sorted by name.
func (e *Environment) Keys() []string {
	keys := make([]string, 0, len(fixedKeys)+len(e.Headers)+len(e.Extra))
	keys = append(keys, fixedKeys...)
	for _, h := range e.Headers {
		keys = append(keys, h.Name)
	}
	return append(keys, slices.Sorted(maps.Keys(e.Extra))...)
}

// Latin1 renders a byte string as UTF-8 text, mapping each byte to the code
// point of the same value.
func Latin1(s string) string {
	out, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
