// Package schema discovers and caches the labels, relationship types and
// property keys of a graph.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vanshika/graphlens/internal/domain"
	"github.com/vanshika/graphlens/internal/graph"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultCacheSize = 256

	// refreshTimeout bounds a discovery shared by several callers, so one
	// caller going away does not abort it for the others.
	refreshTimeout = 30 * time.Second
	closeTimeout   = 5 * time.Second
)

// Introspector fetches schema summaries through short-lived handles and
// caches them per target.
type Introspector struct {
	backends graph.Backends
	logger   *slog.Logger
	tracer   trace.Tracer
	cache    *expirable.LRU[string, domain.SchemaSummary]
	group    singleflight.Group
	now      func() time.Time
}

// New builds an introspector. Non-positive size or ttl select the defaults.
func New(backends graph.Backends, logger *slog.Logger, size int, ttl time.Duration) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Introspector{
		backends: backends,
		logger:   logger,
		tracer:   otel.Tracer("github.com/vanshika/graphlens/internal/schema"),
		cache:    expirable.NewLRU[string, domain.SchemaSummary](size, nil, ttl),
		now:      time.Now,
	}
}

// Fetch returns the schema of the graph d points at. A cached summary younger
// than the TTL is returned unless force is set. A failed refresh leaves any
// cached summary in place.
func (i *Introspector) Fetch(ctx context.Context, d domain.Descriptor, force bool) (domain.SchemaSummary, error) {
	if d == nil {
		return domain.SchemaSummary{}, domain.Validationf("no connection configured for session")
	}
	if err := d.Validate(); err != nil {
		return domain.SchemaSummary{}, err
	}

	key := d.Key()
	if !force {
		if summary, ok := i.cache.Get(key); ok {
			return summary, nil
		}
	}

	ch := i.group.DoChan(key, func() (any, error) {
		if !force {
			if summary, ok := i.cache.Get(key); ok {
				return summary, nil
			}
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		summary, err := i.refresh(refreshCtx, d)
		if err != nil {
			return nil, err
		}
		i.cache.Add(key, summary)
		return summary, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.SchemaSummary{}, res.Err
		}
		return res.Val.(domain.SchemaSummary), nil
	case <-ctx.Done():
		return domain.SchemaSummary{}, domain.Cancelled()
	}
}

// Invalidate drops the cached summary for d.
func (i *Introspector) Invalidate(d domain.Descriptor) {
	if d != nil {
		i.cache.Remove(d.Key())
	}
}

func (i *Introspector) refresh(ctx context.Context, d domain.Descriptor) (summary domain.SchemaSummary, err error) {
	ctx, span := i.tracer.Start(ctx, "schema.refresh", trace.WithAttributes(
		attribute.String("graphlens.backend", string(d.Kind())),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := i.logger.With("backend", d.Kind())
	start := i.now()

	adapter, err := i.backends.For(d)
	if err != nil {
		return domain.SchemaSummary{}, domain.ConnectionFailed(err.Error(), err)
	}
	h, err := adapter.Open(ctx, d)
	if errors.Is(err, graph.ErrGraphNotFound) {
		logger.Warn("graph not found, returning empty schema", "error", err)
		return emptySummary(i.now()), nil
	}
	if err != nil {
		return domain.SchemaSummary{}, domain.ConnectionFailed(
			fmt.Sprintf("connect to %s: %s", d.Kind(), graph.Explain(err).Message), err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := h.Close(closeCtx); cerr != nil {
			logger.Warn("closing schema handle failed", "error", cerr)
		}
	}()

	switch target := d.(type) {
	case domain.RelationalGraphTarget:
		summary, err = discoverAGE(ctx, h, target.GraphName, logger)
	default:
		summary, err = discoverBolt(ctx, h)
	}
	if err != nil {
		cause := graph.Explain(err)
		if cause.Connectivity {
			return domain.SchemaSummary{}, domain.ConnectionFailed(cause.Message, err)
		}
		return domain.SchemaSummary{}, domain.QueryFailed(cause.Message, cause.Code, err)
	}

	summary.FetchedAt = i.now()
	logger.Info("schema refreshed",
		"labels", len(summary.Labels),
		"relationshipTypes", len(summary.RelationshipTypes),
		"propertyKeys", len(summary.PropertyKeys),
		"durationMs", i.now().Sub(start).Milliseconds(),
	)
	return summary, nil
}

func emptySummary(at time.Time) domain.SchemaSummary {
	return domain.SchemaSummary{
		Labels:            []string{},
		RelationshipTypes: []string{},
		PropertyKeys:      []string{},
		FetchedAt:         at,
	}
}
