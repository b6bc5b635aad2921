package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/vanshika/graphlens/internal/domain"
)

// closeTimeout bounds teardown calls made after the caller's context is gone.
const closeTimeout = 5 * time.Second

// BoltAdapter talks to Neo4j and Bolt wire-compatible servers through the
// official driver. Each handle owns a dedicated driver with a single pooled
// connection, so sessions never share sockets.
type BoltAdapter struct{}

// Open creates the driver and verifies connectivity.
func (BoltAdapter) Open(ctx context.Context, d domain.Descriptor) (Handle, error) {
	target, ok := d.(domain.BoltTarget)
	if !ok {
		return nil, fmt.Errorf("bolt adapter cannot open %s descriptor", d.Kind())
	}

	auth := neo4j.NoAuth()
	if target.Username != "" {
		auth = neo4j.BasicAuth(target.Username, target.Secret, "")
	}

	driver, err := neo4j.NewDriverWithContext(target.Address, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = 1
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}

	return &boltHandle{
		driver:   driver,
		database: target.Database,
	}, nil
}

type boltHandle struct {
	driver   neo4j.DriverWithContext
	database string
}

// Run executes query in a fresh session. The context deadline is forwarded as
// a transaction timeout so the server terminates the query on its side too.
func (h *boltHandle) Run(ctx context.Context, query string) (RawRecords, error) {
	session := h.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: h.database,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	var configurers []func(*neo4j.TransactionConfig)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			configurers = append(configurers, neo4j.WithTxTimeout(remaining))
		}
	}

	res, err := session.Run(ctx, query, nil, configurers...)
	if err != nil {
		return RawRecords{}, err
	}
	return consumeResult(ctx, res)
}

func (h *boltHandle) Close(ctx context.Context) error {
	return h.driver.Close(ctx)
}

func consumeResult(ctx context.Context, res neo4j.ResultWithContext) (RawRecords, error) {
	keys, err := res.Keys()
	if err != nil {
		return RawRecords{}, err
	}
	raw := RawRecords{Columns: keys}
	for res.Next(ctx) {
		rec := res.Record()
		row := make([]any, len(rec.Values))
		copy(row, rec.Values)
		raw.Rows = append(raw.Rows, row)
	}
	if err := res.Err(); err != nil {
		return RawRecords{}, err
	}
	return raw, nil
}

// Normalize reshapes driver values: nodes and relationships are collected
// and deduplicated, paths expanded, everything else coerced.
func (BoltAdapter) Normalize(raw RawRecords) domain.Result {
	c := newCollector()
	values := make([][]any, len(raw.Rows))
	for i, row := range raw.Rows {
		out := make([]any, len(row))
		for j, cell := range row {
			out[j] = c.boltValue(cell)
		}
		values[i] = out
	}
	return c.result(raw.Columns, values)
}

func (c *collector) boltValue(v any) any {
	switch x := v.(type) {
	case dbtype.Node:
		return c.addNode(boltNode(x))
	case *dbtype.Node:
		if x == nil {
			return nil
		}
		return c.addNode(boltNode(*x))
	case dbtype.Relationship:
		return c.addRel(boltRelationship(x))
	case *dbtype.Relationship:
		if x == nil {
			return nil
		}
		return c.addRel(boltRelationship(*x))
	case dbtype.Path:
		for _, n := range x.Nodes {
			c.addNode(boltNode(n))
		}
		for _, r := range x.Relationships {
			c.addRel(boltRelationship(r))
		}
		return pathRef(len(x.Relationships))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = c.boltValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = c.boltValue(item)
		}
		return out
	}
	return Coerce(v)
}

func boltNode(n dbtype.Node) domain.Node {
	id := n.ElementId
	if id == "" {
		id = strconv.FormatInt(n.Id, 10) //nolint:staticcheck // servers before 5.0 send only numeric ids
	}
	labels := n.Labels
	if labels == nil {
		labels = []string{}
	}
	return domain.Node{
		ID:         id,
		Labels:     labels,
		Properties: coerceProps(n.Props),
	}
}

func boltRelationship(r dbtype.Relationship) domain.Relationship {
	id, start, end := r.ElementId, r.StartElementId, r.EndElementId
	//nolint:staticcheck // servers before 5.0 send only numeric ids
	if id == "" {
		id = strconv.FormatInt(r.Id, 10)
		start = strconv.FormatInt(r.StartId, 10)
		end = strconv.FormatInt(r.EndId, 10)
	}
	return domain.Relationship{
		ID:          id,
		Type:        r.Type,
		StartNodeID: start,
		EndNodeID:   end,
		Properties:  coerceProps(r.Props),
	}
}

func coerceProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = Coerce(v)
	}
	return out
}

// boltError extracts the server status code and message of a Neo4j failure.
func boltError(err error) (code, message string, ok bool) {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		return nerr.Code, nerr.Msg, true
	}
	return "", "", false
}
