package environ

import (
	"io"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"syncgate-go/internal/hopbyhop"
	"syncgate-go/internal/model"
)

var (
	// ErrMalformedPath is returned when the request path has bad
	// percent-encoding.
	ErrMalformedPath = errors.New("malformed request path")
	// ErrMountMismatch is returned when the path is outside the mount prefix.
	ErrMountMismatch = errors.New("request path outside mount prefix")
)

// Options configures a Builder.
type Options struct {
	// ScriptName is the mount prefix, "" for the root. A trailing slash is
	// ignored.
	ScriptName string
	// URLScheme overrides the scheme derived from the connection.
	URLScheme string
}

// Builder turns request descriptors into environments. It holds no
// per-request state and is safe for concurrent use.
type Builder struct {
	scriptName string
	urlScheme  string
}

// NewBuilder returns a Builder for opts.
func NewBuilder(opts Options) *Builder {
	return &Builder{
		scriptName: strings.TrimSuffix(opts.ScriptName, "/"),
		urlScheme:  opts.URLScheme,
	}
}

// ScriptName returns the normalized mount prefix.
func (b *Builder) ScriptName() string {
	return b.scriptName
}

// Build describes req. input becomes gate.input and errs becomes gate.errors.
func (b *Builder) Build(req *model.Request, input Input, errs io.Writer) (*Environment, error) {
	path, err := url.PathUnescape(req.RawPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %q", req.RawPath), ErrMalformedPath)
	}
	pathInfo, ok := b.split(path)
	if !ok {
		return nil, errors.Wrapf(ErrMountMismatch, "path %q, prefix %q", path, b.scriptName)
	}

	env := &Environment{
		RequestMethod:  req.Method,
		ScriptName:     b.scriptName,
		PathInfo:       pathInfo,
		RawURI:         req.RequestURI,
		RequestURI:     req.RequestURI,
		QueryString:    req.RawQuery,
		ContentType:    req.Header.Get("Content-Type"),
		ServerProtocol: req.Proto,
		Input:          input,
		Errors:         errs,
		URLScheme:      b.scheme(req),
		Multithread:    true,
		Headers:        headerVars(req),
		Extra: map[string]any{
			KeyRequestID: req.RequestID,
			KeyRequest:   req,
		},
	}
	if req.ContentLength >= 0 {
		env.ContentLength = strconv.FormatInt(req.ContentLength, 10)
	}
	env.ServerName, env.ServerPort = serverAddr(req, env.URLScheme)
	env.RemoteAddr, env.RemotePort = remoteAddr(req)
	env.RemoteHost = env.RemoteAddr
	return env, nil
}

// split matches the mount prefix on a segment boundary and returns the rest.
func (b *Builder) split(path string) (string, bool) {
	if b.scriptName == "" {
		return path, true
	}
	if path == b.scriptName {
		return "", true
	}
	if rest, ok := strings.CutPrefix(path, b.scriptName); ok && strings.HasPrefix(rest, "/") {
		return rest, true
	}
	return "", false
}

func (b *Builder) scheme(req *model.Request) string {
	switch {
	case b.urlScheme != "":
		return b.urlScheme
	case req.TLS:
		return "https"
	default:
		return "http"
	}
}

// headerVars maps request headers to sorted HTTP_* variables. Repeated
// values are joined with ", ".
func headerVars(req *model.Request) []Var {
	joined := make(map[string][]string, len(req.Header)+1)
	names := lo.Keys(req.Header)
	slices.Sort(names)
	for _, name := range names {
		if hopbyhop.Is(name) || strings.EqualFold(name, "Content-Type") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		joined[key] = append(joined[key], req.Header[name]...)
	}
	if req.Host != "" {
		if _, ok := joined["HTTP_HOST"]; !ok {
			joined["HTTP_HOST"] = []string{req.Host}
		}
	}

	vars := make([]Var, 0, len(joined))
	for k, vs := range joined {
		vars = append(vars, Var{Name: k, Value: strings.Join(vs, ", ")})
	}
	slices.SortFunc(vars, func(a, b Var) int { return strings.Compare(a.Name, b.Name) })
	return vars
}

// serverAddr reports the local socket. Unix sockets report ("unix", path).
func serverAddr(req *model.Request, scheme string) (string, string) {
	if addr := req.LocalAddr; addr != nil {
		if isUnix(addr.Network()) {
			return "unix", addr.String()
		}
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			return host, port
		}
	}

	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return host, port
}

func remoteAddr(req *model.Request) (string, string) {
	if req.LocalAddr != nil && isUnix(req.LocalAddr.Network()) {
		return "unix", ""
	}
	host, port, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr, ""
	}
	return host, port
}

func isUnix(network string) bool {
	return network == "unix" || network == "unixpacket"
}
