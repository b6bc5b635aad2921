package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"

	"github.com/vanshika/graphlens/internal/agtype"
	"github.com/vanshika/graphlens/internal/domain"
)

// cancelDeadlineDelay is how long a cancel request may take before the socket
// deadline forces the client call to return.
const cancelDeadlineDelay = 2 * time.Second

// ErrGraphNotFound indicates the configured AGE graph does not exist.
var ErrGraphNotFound = errors.New("graph not found")

// AGEAdapter talks to PostgreSQL with the Apache AGE extension loaded.
type AGEAdapter struct{}

// Open connects, loads AGE, checks the graph exists and resolves the agtype oid.
func (AGEAdapter) Open(ctx context.Context, d domain.Descriptor) (Handle, error) {
	target, ok := d.(domain.RelationalGraphTarget)
	if !ok {
		return nil, fmt.Errorf("age adapter cannot open %s descriptor", d.Kind())
	}
	host, port, err := target.HostPort()
	if err != nil {
		return nil, err
	}

	cfg, err := pgx.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.Host = host
	cfg.Port = port
	cfg.Database = target.Database
	cfg.User = target.Username
	cfg.Password = target.Secret
	// On context cancellation send a protocol-level cancel request first, so
	// the server stops the statement instead of only the client giving up.
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.CancelRequestContextWatcherHandler{
			Conn:          pgConn,
			DeadlineDelay: cancelDeadlineDelay,
		}
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	h := &ageHandle{conn: conn, graph: target.GraphName}
	if err := h.prepare(ctx); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return h, nil
}

type ageHandle struct {
	conn       *pgx.Conn
	graph      string
	agtypeOID  uint32
	timeoutSet bool
}

func (h *ageHandle) prepare(ctx context.Context) error {
	for _, stmt := range []string{
		"LOAD 'age'",
		`SET search_path = ag_catalog, "$user", public`,
	} {
		if _, err := h.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}

	var exists bool
	err := h.conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ag_catalog.ag_graph WHERE name = $1)", h.graph,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("look up graph: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrGraphNotFound, h.graph)
	}

	if err := h.conn.QueryRow(ctx, "SELECT 'ag_catalog.agtype'::regtype::oid").Scan(&h.agtypeOID); err != nil {
		return fmt.Errorf("resolve agtype oid: %w", err)
	}
	return nil
}

// Run executes query. The context deadline becomes statement_timeout so the
// server aborts long statements even if the client is gone.
func (h *ageHandle) Run(ctx context.Context, query string) (RawRecords, error) {
	if err := h.applyTimeout(ctx); err != nil {
		return RawRecords{}, err
	}

	rows, err := h.conn.Query(ctx, query)
	if err != nil {
		return RawRecords{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	raw := RawRecords{Columns: make([]string, len(fields))}
	isAgtype := make([]bool, len(fields))
	for i, fd := range fields {
		raw.Columns[i] = fd.Name
		isAgtype[i] = fd.DataTypeOID == h.agtypeOID
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return RawRecords{}, err
		}
		for i, v := range vals {
			if isAgtype[i] {
				vals[i] = agtypeCell(v)
			}
		}
		raw.Rows = append(raw.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return RawRecords{}, err
	}
	return raw, nil
}

func (h *ageHandle) applyTimeout(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		if h.timeoutSet {
			if _, err := h.conn.Exec(ctx, "SET statement_timeout = 0"); err != nil {
				return err
			}
			h.timeoutSet = false
		}
		return nil
	}
	ms := time.Until(deadline).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if _, err := h.conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", ms)); err != nil {
		return err
	}
	h.timeoutSet = true
	return nil
}

func (h *ageHandle) Close(ctx context.Context) error {
	return h.conn.Close(ctx)
}

// agtypeCell turns an undecoded agtype cell into Agtype text.
func agtypeCell(v any) any {
	switch x := v.(type) {
	case string:
		return Agtype(x)
	case []byte:
		return Agtype(agtype.Text(x))
	}
	return v
}

// Normalize decodes agtype cells. Vertices and edges become nodes and
// relationships; text that does not parse is passed through as a string.
// Edges are kept even when an endpoint is absent from the result.
func (AGEAdapter) Normalize(raw RawRecords) domain.Result {
	c := newCollector()
	values := make([][]any, len(raw.Rows))
	for i, row := range raw.Rows {
		out := make([]any, len(row))
		for j, cell := range row {
			out[j] = c.ageCell(cell)
		}
		values[i] = out
	}
	return c.result(raw.Columns, values)
}

func (c *collector) ageCell(v any) any {
	text, ok := v.(Agtype)
	if !ok {
		return Coerce(v)
	}
	val, err := agtype.Parse(string(text))
	if err != nil {
		return string(text)
	}
	return c.ageValue(val)
}

func (c *collector) ageValue(v agtype.Value) any {
	switch v.Kind {
	case agtype.Vertex:
		return c.addNode(ageNode(v))
	case agtype.Edge:
		return c.addRel(ageRelationship(v))
	case agtype.Path:
		rels := 0
		for _, item := range v.Items {
			switch item.Kind {
			case agtype.Vertex:
				c.addNode(ageNode(item))
			case agtype.Edge:
				c.addRel(ageRelationship(item))
				rels++
			}
		}
		return pathRef(rels)
	case agtype.List:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = c.ageValue(item)
		}
		return out
	case agtype.Map:
		out := make(map[string]any, len(v.Keys))
		for _, k := range v.Keys {
			out[k] = c.ageValue(v.Fields[k])
		}
		return out
	}
	return agtypePlain(v)
}

func ageNode(v agtype.Value) domain.Node {
	id, _ := v.Field("id")
	labels := []string{}
	if label, ok := v.Field("label"); ok && label.Kind == agtype.String && label.Text != "" {
		labels = append(labels, label.Text)
	}
	return domain.Node{
		ID:         id.IDString(),
		Labels:     labels,
		Properties: ageProps(v),
	}
}

func ageRelationship(v agtype.Value) domain.Relationship {
	id, _ := v.Field("id")
	start, _ := v.Field("start_id")
	end, _ := v.Field("end_id")
	label, _ := v.Field("label")
	return domain.Relationship{
		ID:          id.IDString(),
		Type:        label.Text,
		StartNodeID: start.IDString(),
		EndNodeID:   end.IDString(),
		Properties:  ageProps(v),
	}
}

func ageProps(v agtype.Value) map[string]any {
	props, ok := v.Field("properties")
	if !ok || props.Kind != agtype.Map {
		return map[string]any{}
	}
	out := make(map[string]any, len(props.Keys))
	for _, k := range props.Keys {
		out[k] = agtypePlain(props.Fields[k])
	}
	return out
}

// agtypePlain converts a value to the canonical JSON-ish form without
// registering graph entities.
func agtypePlain(v agtype.Value) any {
	switch v.Kind {
	case agtype.Null:
		return nil
	case agtype.Bool:
		return v.Bool
	case agtype.Integer:
		return coerceInt(v.Int)
	case agtype.Float:
		return coerceFloat(v.Float)
	case agtype.Numeric, agtype.String, agtype.Raw:
		return v.Text
	case agtype.List, agtype.Path:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = agtypePlain(item)
		}
		return out
	case agtype.Map, agtype.Vertex, agtype.Edge:
		out := make(map[string]any, len(v.Keys))
		for _, k := range v.Keys {
			out[k] = agtypePlain(v.Fields[k])
		}
		return out
	}
	return v.Text
}
