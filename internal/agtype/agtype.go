// Package agtype decodes the textual representation of Apache AGE's agtype.
//
// agtype prints as JSON extended with type annotations: a value may be
// followed by "::vertex", "::edge", "::path" or "::numeric", and floats may be
// NaN, Infinity or -Infinity. Values carrying an annotation this package does
// not know are returned as Raw with their original text so callers can pass
// them through unchanged.
package agtype

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the dynamic type of a decoded value.
type Kind int

const (
	Null Kind = iota
	Bool
	Integer
	Float
	Numeric
	String
	List
	Map
	Vertex
	Edge
	Path
	Raw
)

var kindNames = [...]string{"null", "bool", "integer", "float", "numeric", "string", "list", "map", "vertex", "edge", "path", "raw"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// binaryVersion prefixes agtype values sent in binary format.
const binaryVersion = 0x01

// Value is a decoded agtype value.
//
// Text holds the literal for numbers, the contents of strings and the
// original text of Raw values. Items holds list and path elements. Keys and
// Fields hold map, vertex and edge members; Keys preserves source order.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Text   string
	Items  []Value
	Keys   []string
	Fields map[string]Value
}

// Field returns the member name of a map, vertex or edge.
func (v Value) Field(name string) (Value, bool) {
	if v.Fields == nil {
		return Value{}, false
	}
	f, ok := v.Fields[name]
	return f, ok
}

// IDString renders an id-like value (graphid integer, string or numeric) as a string.
func (v Value) IDString() string {
	switch v.Kind {
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case String, Numeric, Raw:
		return v.Text
	case Float:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	}
	return ""
}

// ErrSyntax is wrapped by all parse failures.
var ErrSyntax = errors.New("agtype: syntax error")

// Parse decodes the text form of an agtype value.
func Parse(s string) (Value, error) {
	p := parser{src: s}
	v, err := p.value()
	if err != nil {
		return Value{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Value{}, p.errorf("trailing data")
	}
	return v, nil
}

// Text returns the text form of a wire value, dropping the version byte that
// prefixes the binary format.
func Text(b []byte) string {
	if len(b) > 0 && b[0] == binaryVersion {
		b = b[1:]
	}
	return string(b)
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) value() (Value, error) {
	p.skipSpace()
	start := p.pos

	var (
		v   Value
		err error
	)
	switch c := p.peek(); {
	case c == 0:
		return Value{}, p.errorf("unexpected end of input")
	case c == '{':
		v, err = p.object()
	case c == '[':
		v, err = p.array()
	case c == '"':
		var s string
		s, err = p.str()
		v = Value{Kind: String, Text: s}
	case c == '-' || (c >= '0' && c <= '9'):
		v, err = p.number()
	default:
		v, err = p.word()
	}
	if err != nil {
		return Value{}, err
	}

	tag, ok := p.annotation()
	if !ok {
		return v, nil
	}
	return annotate(v, tag, p.src[start:p.pos]), nil
}

// annotation consumes a trailing "::tag" if present.
func (p *parser) annotation() (string, bool) {
	if !strings.HasPrefix(p.src[p.pos:], "::") {
		return "", false
	}
	i := p.pos + 2
	j := i
	for j < len(p.src) && isIdent(p.src[j], j == i) {
		j++
	}
	if j == i {
		return "", false
	}
	p.pos = j
	return p.src[i:j], true
}

func isIdent(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

func annotate(v Value, tag, raw string) Value {
	switch tag {
	case "vertex":
		if v.Kind == Map {
			v.Kind = Vertex
			return v
		}
	case "edge":
		if v.Kind == Map {
			v.Kind = Edge
			return v
		}
	case "path":
		if v.Kind == List {
			v.Kind = Path
			return v
		}
	case "numeric":
		if v.Kind == Integer || v.Kind == Float || v.Kind == Numeric {
			return Value{Kind: Numeric, Text: v.Text}
		}
	case "integer":
		if v.Kind == Integer {
			return v
		}
	case "float":
		if v.Kind == Float {
			return v
		}
		if v.Kind == Integer {
			return Value{Kind: Float, Float: float64(v.Int), Text: v.Text}
		}
	}
	return Value{Kind: Raw, Text: raw}
}

func (p *parser) object() (Value, error) {
	p.pos++ // '{'
	v := Value{Kind: Map, Fields: map[string]Value{}}
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return v, nil
	}
	for {
		p.skipSpace()
		if p.peek() != '"' {
			return Value{}, p.errorf("expected object key")
		}
		key, err := p.str()
		if err != nil {
			return Value{}, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return Value{}, p.errorf("expected ':' after key %q", key)
		}
		p.pos++
		member, err := p.value()
		if err != nil {
			return Value{}, err
		}
		if _, dup := v.Fields[key]; !dup {
			v.Keys = append(v.Keys, key)
		}
		v.Fields[key] = member

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return v, nil
		default:
			return Value{}, p.errorf("expected ',' or '}'")
		}
	}
}

func (p *parser) array() (Value, error) {
	p.pos++ // '['
	v := Value{Kind: List, Items: []Value{}}
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return v, nil
	}
	for {
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		v.Items = append(v.Items, item)

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return v, nil
		default:
			return Value{}, p.errorf("expected ',' or ']'")
		}
	}
}

func (p *parser) str() (string, error) {
	start := p.pos
	i := p.pos + 1
	for i < len(p.src) {
		switch p.src[i] {
		case '\\':
			i += 2
			continue
		case '"':
			var out string
			if err := json.Unmarshal([]byte(p.src[start:i+1]), &out); err != nil {
				return "", p.errorf("invalid string: %v", err)
			}
			p.pos = i + 1
			return out, nil
		}
		i++
	}
	return "", p.errorf("unterminated string")
}

func (p *parser) number() (Value, error) {
	if strings.HasPrefix(p.src[p.pos:], "-Infinity") {
		p.pos += len("-Infinity")
		return Value{Kind: Float, Float: math.Inf(-1), Text: "-Infinity"}, nil
	}

	start := p.pos
	isFloat := false
	if p.peek() == '-' {
		p.pos++
	}
	digits := p.digits()
	if digits == 0 {
		return Value{}, p.errorf("invalid number")
	}
	if p.peek() == '.' {
		isFloat = true
		p.pos++
		if p.digits() == 0 {
			return Value{}, p.errorf("invalid fraction")
		}
	}
	if c := p.peek(); c == 'e' || c == 'E' {
		isFloat = true
		p.pos++
		if c := p.peek(); c == '+' || c == '-' {
			p.pos++
		}
		if p.digits() == 0 {
			return Value{}, p.errorf("invalid exponent")
		}
	}

	text := p.src[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			// out of float64 range; keep the literal
			return Value{Kind: Numeric, Text: text}, nil
		}
		return Value{Kind: Float, Float: f, Text: text}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return Value{Kind: Numeric, Text: text}, nil
	}
	return Value{Kind: Integer, Int: n, Text: text}, nil
}

func (p *parser) digits() int {
	n := 0
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
		n++
	}
	return n
}

func (p *parser) word() (Value, error) {
	rest := p.src[p.pos:]
	switch {
	case strings.HasPrefix(rest, "null"):
		p.pos += 4
		return Value{Kind: Null}, nil
	case strings.HasPrefix(rest, "true"):
		p.pos += 4
		return Value{Kind: Bool, Bool: true}, nil
	case strings.HasPrefix(rest, "false"):
		p.pos += 5
		return Value{Kind: Bool}, nil
	case strings.HasPrefix(rest, "NaN"):
		p.pos += 3
		return Value{Kind: Float, Float: math.NaN(), Text: "NaN"}, nil
	case strings.HasPrefix(rest, "Infinity"):
		p.pos += len("Infinity")
		return Value{Kind: Float, Float: math.Inf(1), Text: "Infinity"}, nil
	}
	return Value{}, p.errorf("unexpected character %q", p.peek())
}
