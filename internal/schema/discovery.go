package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vanshika/graphlens/internal/agtype"
	"github.com/vanshika/graphlens/internal/domain"
	"github.com/vanshika/graphlens/internal/graph"
)

const (
	boltLabelsQuery   = "CALL db.labels()"
	boltRelTypesQuery = "CALL db.relationshipTypes()"
	boltPropKeysQuery = "CALL db.propertyKeys()"

	// samplesPerLabel bounds the rows read per AGE label table when
	// collecting property keys.
	samplesPerLabel = 5
)

// discoverBolt lists labels, relationship types and property keys through
// the built-in db.* procedures.
func discoverBolt(ctx context.Context, h graph.Handle) (domain.SchemaSummary, error) {
	var lists [3][]string
	for i, q := range []string{boltLabelsQuery, boltRelTypesQuery, boltPropKeysQuery} {
		raw, err := h.Run(ctx, q)
		if err != nil {
			return domain.SchemaSummary{}, fmt.Errorf("%s: %w", q, err)
		}
		lists[i] = firstColumn(raw)
	}
	return domain.SchemaSummary{
		Labels:            sortedSet(lists[0]),
		RelationshipTypes: sortedSet(lists[1]),
		PropertyKeys:      sortedSet(lists[2]),
	}, nil
}

func ageLabelsQuery(graphName string) string {
	return "SELECT l.name::text, l.kind::text FROM ag_catalog.ag_label l " +
		"JOIN ag_catalog.ag_graph g ON g.graphid = l.graph " +
		"WHERE g.name = " + quoteLiteral(graphName) + " " +
		"AND l.name NOT IN ('_ag_label_vertex', '_ag_label_edge')"
}

func ageSampleQuery(graphName, label string) string {
	return fmt.Sprintf("SELECT properties FROM %s LIMIT %d",
		pgx.Identifier{graphName, label}.Sanitize(), samplesPerLabel)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// discoverAGE reads labels from the AGE catalog and samples each label table
// for property keys. A label table that cannot be read is skipped.
func discoverAGE(ctx context.Context, h graph.Handle, graphName string, logger *slog.Logger) (domain.SchemaSummary, error) {
	raw, err := h.Run(ctx, ageLabelsQuery(graphName))
	if err != nil {
		return domain.SchemaSummary{}, fmt.Errorf("list labels: %w", err)
	}

	var vertices, edges, all []string
	for _, row := range raw.Rows {
		if len(row) < 2 {
			continue
		}
		name, _ := row[0].(string)
		kind, _ := row[1].(string)
		if name == "" {
			continue
		}
		switch kind {
		case "v":
			vertices = append(vertices, name)
		case "e":
			edges = append(edges, name)
		default:
			continue
		}
		all = append(all, name)
	}

	var keys []string
	for _, label := range all {
		sample, err := h.Run(ctx, ageSampleQuery(graphName, label))
		if err != nil {
			if ctx.Err() != nil || graph.Explain(err).Connectivity {
				return domain.SchemaSummary{}, fmt.Errorf("sample %s: %w", label, err)
			}
			logger.Debug("skipping unreadable label table", "label", label, "error", err)
			continue
		}
		for _, row := range sample.Rows {
			if len(row) > 0 {
				keys = append(keys, propertyKeys(row[0])...)
			}
		}
	}

	return domain.SchemaSummary{
		Labels:            sortedSet(vertices),
		RelationshipTypes: sortedSet(edges),
		PropertyKeys:      sortedSet(keys),
	}, nil
}

// propertyKeys returns the top-level keys of an agtype properties map.
func propertyKeys(cell any) []string {
	var text string
	switch v := cell.(type) {
	case graph.Agtype:
		text = string(v)
	case string:
		text = v
	default:
		return nil
	}
	val, err := agtype.Parse(text)
	if err != nil || val.Kind != agtype.Map {
		return nil
	}
	return val.Keys
}

func firstColumn(raw graph.RawRecords) []string {
	out := make([]string, 0, len(raw.Rows))
	for _, row := range raw.Rows {
		if len(row) == 0 {
			continue
		}
		if s, ok := row[0].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sortedSet(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
