package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"syncgate-go/internal/capture"
	"syncgate-go/internal/dispatch"
	"syncgate-go/internal/environ"
	"syncgate-go/internal/metrics"
	"syncgate-go/internal/model"
	"syncgate-go/internal/spool"
)

// State is the lifecycle stage of one bridged request.
type State int

const (
	StateBuilding State = iota
	StateDispatched
	StateDraining
	StateSending
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateDispatched:
		return "dispatched"
	case StateDraining:
		return "draining"
	case StateSending:
		return "sending"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// ErrAbandoned is returned by Serve when the client went away while the
// application was still running.
var ErrAbandoned = errors.New("client disconnected before response")

// Options configures a Coordinator.
type Options struct {
	ScriptName      string
	URLScheme       string
	MemoryThreshold int64
	AbsoluteCeiling int64
	SpoolDir        string
}

// Coordinator bridges echo requests to a blocking App.
type Coordinator struct {
	app     App
	pool    *dispatch.Pool
	builder *environ.Builder
	spool   spool.Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a Coordinator. The metrics parameter is optional;
// pass nil to disable recording.
func NewCoordinator(app App, pool *dispatch.Pool, opts Options, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		app:  app,
		pool: pool,
		builder: environ.NewBuilder(environ.Options{
			ScriptName: opts.ScriptName,
			URLScheme:  opts.URLScheme,
		}),
		spool: spool.Options{
			MemoryThreshold: opts.MemoryThreshold,
			AbsoluteCeiling: opts.AbsoluteCeiling,
			Dir:             opts.SpoolDir,
		},
		logger:  logger.With("component", "bridge"),
		metrics: m,
	}
	if m != nil {
		c.spool.OnSpill = func(int64) { m.BodySpills.Inc() }
	}
	return c
}

// ScriptName returns the mount prefix the coordinator serves.
func (c *Coordinator) ScriptName() string {
	return c.builder.ScriptName()
}

// Handle is the echo handler for the mounted application.
func (c *Coordinator) Handle(ec echo.Context) error {
	r := ec.Request()
	req := model.FromHTTP(r)
	if id := ec.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		req.RequestID = id
	}

	if err := c.Serve(r.Context(), req, ResponseWriterSink{W: ec.Response()}); err != nil {
		c.logger.Warn("response not delivered",
			"err", err,
			"path", r.URL.Path,
			"request_id", req.RequestID,
		)
	}
	return nil
}

// Serve runs one request to completion and hands the response to sink. The
// returned error reports transport problems only; application failures are
// turned into responses.
func (c *Coordinator) Serve(ctx context.Context, req *model.Request, sink Sink) error {
	x := &exchange{
		c:       c,
		req:     req,
		logger:  c.logger.With("request_id", req.RequestID),
		capture: capture.New(),
	}
	x.errs = newErrorStream(x.logger)

	resp, err := x.run(ctx)
	if err != nil {
		c.outcome(metrics.OutcomeAbandoned)
		return err
	}

	x.state = StateSending
	if err := sink.WriteResponse(resp); err != nil {
		return errors.Wrap(err, "send response")
	}
	x.state = StateDone
	return nil
}

func (c *Coordinator) outcome(label string) {
	if c.metrics != nil {
		c.metrics.Outcomes.WithLabelValues(label).Inc()
	}
}

// exchange is the per-request state machine.
type exchange struct {
	c      *Coordinator
	req    *model.Request
	logger *slog.Logger

	state   State
	body    *spool.Body
	capture *capture.Capture
	errs    *errorStream
}

// run drives the exchange up to the point where a response is ready. It
// returns an error only when the client is gone.
func (x *exchange) run(ctx context.Context) (*Response, error) {
	x.state = StateBuilding
	if ceiling := x.c.spool.AbsoluteCeiling; x.req.ContentLength > ceiling {
		return x.fail(NewError(CodeRequestEntityTooLarge,
			errors.Newf("declared Content-Length %d exceeds %d", x.req.ContentLength, ceiling))), nil
	}

	x.body = spool.New(x.req.Body, x.c.spool)
	env, err := x.c.builder.Build(x.req, x.body.Reader(), x.errs)
	if err != nil {
		x.release()
		switch {
		case errors.Is(err, environ.ErrMalformedPath):
			return x.fail(NewError(CodeBadRequest, err)), nil
		case errors.Is(err, environ.ErrMountMismatch):
			return x.fail(NewError(CodeNotFound, err)), nil
		}
		return x.fail(err), nil
	}

	x.state = StateDispatched
	ticket := x.c.pool.Submit(ctx, func(ctx context.Context) error {
		return x.invoke(ctx, env)
	})

	select {
	case <-ticket.Done():
	case <-ctx.Done():
		// The worker may still be reading the body; clean up behind it.
		go func() {
			<-ticket.Done()
			x.release()
		}()
		x.state = StateErrored
		return nil, errors.Mark(errors.Wrap(ctx.Err(), "waiting for application"), ErrAbandoned)
	}

	x.state = StateDraining
	bodyErr := x.body.Err()
	x.logger.Debug("request body drained",
		"bytes", x.body.Size(),
		"spilled", x.body.Spilled(),
		"spool_path", x.body.Path(),
	)
	x.release()

	switch {
	case errors.Is(bodyErr, spool.ErrPayloadTooLarge):
		return x.fail(NewError(CodeRequestEntityTooLarge, bodyErr)), nil
	case errors.Is(bodyErr, spool.ErrBodyRead):
		return x.fail(NewError(CodeBadRequest, bodyErr)), nil
	}
	if err := ticket.Err(); err != nil {
		x.report(err)
		return x.fail(NewError(CodeInternalServerError, err)), nil
	}
	if err := x.capture.Finish(); err != nil {
		x.report(err)
		return x.fail(NewError(CodeInternalServerError, err)), nil
	}

	x.c.outcome(metrics.OutcomeOK)
	return x.response(), nil
}

// invoke runs on a worker goroutine. ctx carries the worker id and is
// cancelled with the request.
func (x *exchange) invoke(ctx context.Context, env *environ.Environment) error {
	env = env.WithContext(ctx)
	worker, _ := dispatch.WorkerID(ctx)
	env.Extra[environ.KeyWorker] = worker
	x.errs.tag("worker", worker)

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if x.c.metrics != nil {
			x.c.metrics.HandlerDuration.Observe(elapsed.Seconds())
		}
		x.logger.Debug("application returned", "worker", worker, "duration_ms", elapsed.Milliseconds())
	}()

	chunks, err := x.c.app.Serve(env, x.capture.StartResponse)
	if err != nil {
		return errors.Wrap(err, "application")
	}
	if chunks == nil {
		return nil
	}
	for chunk, err := range chunks {
		if err != nil {
			return errors.Wrap(err, "application body")
		}
		if err := x.capture.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// release removes body storage and flushes the error stream.
func (x *exchange) release() {
	if x.body != nil {
		if err := x.body.Close(); err != nil {
			x.logger.Warn("release request body", "err", err)
		}
	}
	x.errs.Flush()
}

// report writes failure details to the error stream. Clients never see them.
func (x *exchange) report(err error) {
	var perr *dispatch.PanicError
	if errors.As(err, &perr) {
		_, _ = fmt.Fprintf(x.errs, "%v\n%s", err, perr.Stack)
	} else {
		_, _ = fmt.Fprintf(x.errs, "%+v\n", err)
	}
	x.errs.Flush()
}

// fail turns err into a synthesized error response. Errors without a code
// are server errors.
func (x *exchange) fail(err error) *Response {
	x.state = StateErrored
	c := CodeOf(err)
	if c == CodeUnknown {
		c = CodeInternalServerError
	}
	x.logger.Debug("synthesized error response", "code", int(c), "err", err)

	switch c {
	case CodeBadRequest:
		x.c.outcome(metrics.OutcomeBadRequest)
	case CodeNotFound:
		x.c.outcome(metrics.OutcomeNotFound)
	case CodeRequestEntityTooLarge:
		x.c.outcome(metrics.OutcomeTooLarge)
	default:
		x.c.outcome(metrics.OutcomeAppError)
	}
	return ErrorResponse(int(c))
}

func (x *exchange) response() *Response {
	code, reason := x.capture.Status()
	headers := x.capture.Headers()
	chunks := x.capture.Chunks()

	declared := lo.ContainsBy(headers, func(h capture.Header) bool {
		return strings.EqualFold(h.Name, "Content-Length")
	})
	if !declared && bodyAllowed(code) {
		headers = append(headers, capture.Header{
			Name:  "Content-Length",
			Value: strconv.FormatInt(x.capture.Len(), 10),
		})
	}
	return &Response{Code: code, Reason: reason, Headers: headers, Chunks: chunks}
}

// ErrorResponse returns the minimal plain-text response for code.
func ErrorResponse(code int) *Response {
	text := http.StatusText(code)
	body := []byte(fmt.Sprintf("%d: %s", code, text))
	return &Response{
		Code:   code,
		Reason: text,
		Headers: []capture.Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		},
		Chunks: [][]byte{body},
	}
}

func bodyAllowed(code int) bool {
	return code != http.StatusNoContent && code != http.StatusNotModified
}
