package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Node is a graph vertex in canonical form.
type Node struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a graph edge in canonical form.
type Relationship struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	StartNodeID string         `json:"start_node_id"`
	EndNodeID   string         `json:"end_node_id"`
	Properties  map[string]any `json:"properties"`
}

// Row is an ordered column -> value mapping.
type Row struct {
	Columns []string
	Values  []any
}

// Get returns the value of the first column named col.
func (r Row) Get(col string) (any, bool) {
	for i, c := range r.Columns {
		if c == col && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// MarshalJSON writes the row as an object whose keys follow column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		var v any
		if i < len(r.Values) {
			v = r.Values[i]
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Result is the backend-agnostic shape both normalizers converge to.
type Result struct {
	Columns         []string       `json:"columns"`
	Rows            []Row          `json:"rows"`
	Nodes           []Node         `json:"nodes"`
	Relationships   []Relationship `json:"relationships"`
	ElapsedMS       float64        `json:"elapsed_ms"`
	RowCount        int            `json:"row_count"`
	GraphCompatible bool           `json:"is_graph_compatible"`
	PathsOnly       bool           `json:"is_paths_only"`
}

// SchemaSummary describes the labels, relationship types and property keys of a graph.
type SchemaSummary struct {
	Labels            []string  `json:"labels"`
	RelationshipTypes []string  `json:"relationship_types"`
	PropertyKeys      []string  `json:"property_keys"`
	FetchedAt         time.Time `json:"-"`
}
