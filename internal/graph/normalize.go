package graph

import (
	"fmt"

	"github.com/vanshika/graphlens/internal/domain"
)

const (
	refKey      = "__type"
	refNode     = "node"
	refRel      = "rel"
	refPath     = "path"
	displayMax  = 50
	displayTail = "..."
)

var displayKeys = []string{"name", "title", "label", "id"}

// collector accumulates nodes and relationships across rows, deduplicated by
// id in first-seen order.
type collector struct {
	nodes   []domain.Node
	nodeIdx map[string]struct{}
	rels    []domain.Relationship
	relIdx  map[string]struct{}
}

func newCollector() *collector {
	return &collector{
		nodes:   []domain.Node{},
		nodeIdx: map[string]struct{}{},
		rels:    []domain.Relationship{},
		relIdx:  map[string]struct{}{},
	}
}

func (c *collector) addNode(n domain.Node) map[string]any {
	if _, seen := c.nodeIdx[n.ID]; !seen && n.ID != "" {
		c.nodeIdx[n.ID] = struct{}{}
		c.nodes = append(c.nodes, n)
	}
	return map[string]any{refKey: refNode, "id": n.ID, "display": nodeDisplay(n)}
}

func (c *collector) addRel(r domain.Relationship) map[string]any {
	if _, seen := c.relIdx[r.ID]; !seen && r.ID != "" {
		c.relIdx[r.ID] = struct{}{}
		c.rels = append(c.rels, r)
	}
	display := "-[rel]->"
	if r.Type != "" {
		display = "-[:" + r.Type + "]->"
	}
	return map[string]any{refKey: refRel, "id": r.ID, "display": display}
}

func pathRef(length int) map[string]any {
	return map[string]any{refKey: refPath, "display": fmt.Sprintf("Path(length=%d)", length)}
}

func (c *collector) result(columns []string, values [][]any) domain.Result {
	if columns == nil {
		columns = []string{}
	}
	rows := make([]domain.Row, len(values))
	for i, vals := range values {
		rows[i] = domain.Row{Columns: columns, Values: vals}
	}
	return domain.Result{
		Columns:         columns,
		Rows:            rows,
		Nodes:           c.nodes,
		Relationships:   c.rels,
		RowCount:        len(rows),
		GraphCompatible: len(c.rels) > 0 && allCells(values, refNode, refRel, refPath),
		PathsOnly:       len(values) > 0 && allCells(values, refPath),
	}
}

// allCells reports whether every cell is a reference of one of the given types.
func allCells(values [][]any, types ...string) bool {
	for _, row := range values {
		for _, cell := range row {
			ref, ok := cell.(map[string]any)
			if !ok {
				return false
			}
			kind, _ := ref[refKey].(string)
			if !contains(types, kind) {
				return false
			}
		}
	}
	return true
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func nodeDisplay(n domain.Node) string {
	label := ""
	if len(n.Labels) > 0 {
		label = n.Labels[0]
	}
	name := displayName(n.Properties)
	switch {
	case label != "" && name != "":
		return fmt.Sprintf("(%s: %s)", label, name)
	case label != "":
		return "(" + label + ")"
	}
	return "(Node)"
}

func displayName(props map[string]any) string {
	for _, key := range displayKeys {
		v, ok := props[key]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		if r := []rune(s); len(r) > displayMax {
			return string(r[:displayMax]) + displayTail
		}
		return s
	}
	return ""
}
