// Package query runs queries for a session with an enforced deadline and
// cooperative cancellation.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanshika/graphlens/internal/domain"
	"github.com/vanshika/graphlens/internal/graph"
	"github.com/vanshika/graphlens/internal/session"
)

// Mode selects how query text is submitted to the relational backend.
type Mode string

const (
	// ModeRaw sends the text as is.
	ModeRaw Mode = "raw"
	// ModeCypherOnly wraps bare Cypher into the AGE cypher() call.
	ModeCypherOnly Mode = "cypher_only"
)

// ParseMode maps a wire value to a Mode. The empty string means ModeRaw.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRaw:
		return ModeRaw, nil
	case ModeCypherOnly:
		return ModeCypherOnly, nil
	}
	return "", domain.Validationf("unknown query mode %q", s)
}

// Request is a single query submission.
type Request struct {
	Session string
	// Descriptor is used only when the session has no live connection yet.
	// When nil the descriptor registered for the session applies.
	Descriptor domain.Descriptor
	Query      string
	Mode       Mode
	Timeout    time.Duration
}

func (r Request) validate() error {
	switch {
	case r.Session == "":
		return domain.Validationf("session id is required")
	case strings.TrimSpace(r.Query) == "":
		return domain.Validationf("query is required")
	case r.Timeout <= 0:
		return domain.Validationf("timeout must be positive")
	case r.Mode != ModeRaw && r.Mode != ModeCypherOnly:
		return domain.Validationf("unknown query mode %q", r.Mode)
	}
	return nil
}

var (
	errDeadline  = errors.New("query deadline exceeded")
	errCancelled = errors.New("query cancelled by request")
)

// Executor runs at most one query per session at a time.
type Executor struct {
	store    *session.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	inflight registry
}

// NewExecutor instantiates an executor obtaining connections from store.
func NewExecutor(store *session.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("github.com/vanshika/graphlens/internal/query"),
	}
}

type runOutcome struct {
	raw graph.RawRecords
	err error
}

// Execute runs req against the session's connection.
//
// A second Execute for a session that already has a query in flight fails
// with a ConflictError without touching the backend. When the timeout elapses
// or Cancel is called the wait is abandoned at once; the connection is then
// discarded and closed after the backend call returns, so the next query on
// the session gets a fresh handle.
func (e *Executor) Execute(ctx context.Context, req Request) (domain.Result, error) {
	if req.Mode == "" {
		req.Mode = ModeRaw
	}
	if err := req.validate(); err != nil {
		return domain.Result{}, err
	}

	ctx, span := e.tracer.Start(ctx, "query.execute", trace.WithAttributes(
		attribute.String("graphlens.session", req.Session),
		attribute.String("graphlens.query.mode", string(req.Mode)),
		attribute.Int64("graphlens.query.timeout_ms", req.Timeout.Milliseconds()),
	))
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	q := &inflight{
		id:        uuid.NewString(),
		session:   req.Session,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	if !e.inflight.claim(q) {
		err := domain.Conflictf("a query is already running for this session")
		span.SetStatus(codes.Error, err.Error())
		return domain.Result{}, err
	}
	defer e.inflight.release(q)
	span.SetAttributes(attribute.String("graphlens.query.id", q.id))

	logger := e.logger.With("session", req.Session, "queryId", q.id)

	res, err := e.execute(runCtx, q, req, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("graphlens.error.kind", string(domain.KindOf(err))))
		return domain.Result{}, err
	}
	span.SetAttributes(
		attribute.Int("graphlens.result.rows", res.RowCount),
		attribute.Int("graphlens.result.nodes", len(res.Nodes)),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (e *Executor) execute(ctx context.Context, q *inflight, req Request, logger *slog.Logger) (domain.Result, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, req.Timeout, errDeadline)
	defer cancel()

	done := make(chan struct{})
	conn, err := e.store.Acquire(ctx, req.Session, req.Descriptor, done)
	if err != nil {
		if interrupted := interruption(ctx, req.Timeout); interrupted != nil {
			logger.Warn("query interrupted while connecting", "error", interrupted)
			return domain.Result{}, interrupted
		}
		return domain.Result{}, err
	}
	backend := conn.Descriptor.Kind()
	logger = logger.With("backend", backend, "mode", req.Mode)

	text := req.Query
	if target, ok := conn.Descriptor.(domain.RelationalGraphTarget); ok && req.Mode == ModeCypherOnly {
		text = WrapCypher(target.GraphName, req.Query)
	}

	start := time.Now()
	var out runOutcome
	go func() {
		defer close(done)
		out.raw, out.err = conn.Handle.Run(ctx, text)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.store.Discard(conn, done)
		err := interruption(ctx, req.Timeout)
		logger.Warn("query abandoned", "error", err, "elapsedMs", time.Since(start).Milliseconds())
		return domain.Result{}, err
	}
	elapsed := time.Since(start)

	if out.err != nil {
		if interrupted := interruption(ctx, req.Timeout); interrupted != nil {
			e.store.Discard(conn, nil)
			logger.Warn("query interrupted", "error", interrupted, "elapsedMs", elapsed.Milliseconds())
			return domain.Result{}, interrupted
		}
		cause := graph.Explain(out.err)
		if cause.Connectivity {
			e.store.Discard(conn, nil)
			logger.Error("connection lost during query", "error", out.err)
			return domain.Result{}, domain.ConnectionFailed(cause.Message, out.err)
		}
		logger.Info("query rejected by backend", "code", cause.Code, "error", cause.Message)
		return domain.Result{}, domain.QueryFailed(cause.Message, cause.Code, out.err)
	}

	res := conn.Adapter.Normalize(out.raw)
	res.ElapsedMS = float64(elapsed.Microseconds()) / 1000
	logger.Info("query completed",
		"rows", res.RowCount,
		"nodes", len(res.Nodes),
		"relationships", len(res.Relationships),
		"elapsedMs", res.ElapsedMS,
	)
	return res, nil
}

// interruption maps a done context to the error reported to the caller, or
// nil when ctx is still live.
func interruption(ctx context.Context, timeout time.Duration) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errDeadline) || errors.Is(cause, context.DeadlineExceeded) {
		return domain.Timeout(fmt.Sprintf("query exceeded timeout of %s", timeout))
	}
	return domain.Cancelled()
}

// Cancel interrupts the session's in-flight query. It reports whether there
// was one; cancelling an idle session is not an error.
func (e *Executor) Cancel(session string) bool {
	q, ok := e.inflight.get(session)
	if !ok {
		return false
	}
	q.cancel(errCancelled)
	e.logger.Info("query cancel requested", "session", session, "queryId", q.id)
	return true
}

// Running reports whether session has a query in flight.
func (e *Executor) Running(session string) bool {
	_, ok := e.inflight.get(session)
	return ok
}

// RunningCount returns the number of sessions with a query in flight.
func (e *Executor) RunningCount() int {
	return e.inflight.count()
}

// Status describes the session's in-flight query, if any.
func (e *Executor) Status(session string) (Running, bool) {
	q, ok := e.inflight.get(session)
	if !ok {
		return Running{}, false
	}
	return Running{ID: q.id, Session: q.session, StartedAt: q.startedAt}, true
}
