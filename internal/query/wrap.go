package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	aliasPattern    = regexp.MustCompile("(?is)\\s+AS\\s+(\\w+|`[^`]+`)\\s*$")
	identPattern    = regexp.MustCompile(`^\w+$`)
	propertyPattern = regexp.MustCompile(`^\w+\.(\w+)$`)
	plainColumn     = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// reservedColumns are PostgreSQL keywords that cannot appear unquoted as a
// column name in a column definition list.
var reservedColumns = map[string]struct{}{
	"all": {}, "and": {}, "any": {}, "as": {}, "asc": {}, "case": {}, "cast": {},
	"check": {}, "column": {}, "constraint": {}, "create": {}, "default": {},
	"desc": {}, "distinct": {}, "do": {}, "else": {}, "end": {}, "except": {},
	"false": {}, "for": {}, "from": {}, "grant": {}, "group": {}, "having": {},
	"in": {}, "into": {}, "is": {}, "limit": {}, "not": {}, "null": {},
	"offset": {}, "on": {}, "only": {}, "or": {}, "order": {}, "select": {},
	"table": {}, "then": {}, "to": {}, "true": {}, "union": {}, "unique": {},
	"user": {}, "using": {}, "when": {}, "where": {}, "with": {},
}

// WrapCypher embeds a Cypher query in the SQL call form understood by AGE:
//
//	SELECT * FROM cypher('<graph>', $$ <cypher> $$) AS (<col> agtype, ...);
//
// Column names are derived from the final RETURN clause.
func WrapCypher(graphName, cypher string) string {
	body := strings.TrimSpace(cypher)
	for strings.HasSuffix(body, ";") {
		body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	}

	cols := ReturnColumns(body)
	defs := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = quoteColumn(col) + " agtype"
	}

	quote := dollarQuote(body)
	return fmt.Sprintf("SELECT * FROM cypher('%s', %s %s %s) AS (%s);",
		strings.ReplaceAll(graphName, "'", "''"),
		quote, body, quote,
		strings.Join(defs, ", "),
	)
}

// ReturnColumns lists the column names produced by the last top-level RETURN
// clause of a Cypher query: aliases, bare variables and property keys as
// written, colN for any other expression. Names are unique; repeats get a
// numeric suffix. A query without RETURN yields a single "result" column.
func ReturnColumns(cypher string) []string {
	mask := topLevel(cypher)

	ret := -1
	for i := range cypher {
		if keywordAt(cypher, mask, i, "RETURN") {
			ret = i
		}
	}
	if ret < 0 {
		return []string{"result"}
	}

	start := ret + len("RETURN")
	end := len(cypher)
	for i := start; i < len(cypher); i++ {
		if keywordAt(cypher, mask, i, "ORDER") || keywordAt(cypher, mask, i, "SKIP") ||
			keywordAt(cypher, mask, i, "LIMIT") || keywordAt(cypher, mask, i, "UNION") {
			end = i
			break
		}
	}

	projection := cypher[start:end]
	if trimmed := strings.TrimLeft(projection, " \t\r\n"); hasKeywordPrefix(trimmed, "DISTINCT") {
		offset := len(projection) - len(trimmed) + len("DISTINCT")
		projection = projection[offset:]
		start += offset
	}

	var items []string
	last := 0
	for i := 0; i < len(projection); i++ {
		if projection[i] == ',' && mask[start+i] {
			items = append(items, projection[last:i])
			last = i + 1
		}
	}
	items = append(items, projection[last:])

	var names []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		names = append(names, columnName(item, len(names)+1))
	}
	if len(names) == 0 {
		return []string{"result"}
	}
	return uniqueNames(names)
}

func columnName(item string, position int) string {
	if m := aliasPattern.FindStringSubmatch(item); m != nil {
		return strings.Trim(m[1], "`")
	}
	if identPattern.MatchString(item) {
		return item
	}
	if m := propertyPattern.FindStringSubmatch(item); m != nil {
		return m[1]
	}
	return fmt.Sprintf("col%d", position)
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		candidate := name
		for n := 2; ; n++ {
			if _, dup := seen[candidate]; !dup {
				break
			}
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		seen[candidate] = struct{}{}
		out[i] = candidate
	}
	return out
}

func quoteColumn(name string) string {
	if _, reserved := reservedColumns[name]; !reserved && plainColumn.MatchString(name) {
		return name
	}
	return pgx.Identifier{name}.Sanitize()
}

// dollarQuote picks a dollar-quote delimiter that does not occur in body.
func dollarQuote(body string) string {
	if !strings.Contains(body, "$$") {
		return "$$"
	}
	tag := "$cypher$"
	for n := 1; strings.Contains(body, tag); n++ {
		tag = fmt.Sprintf("$cypher%d$", n)
	}
	return tag
}

// topLevel marks the bytes of s that sit outside string literals, quoted
// identifiers, comments and any bracket nesting.
func topLevel(s string) []bool {
	mask := make([]bool, len(s))
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(s) && s[j] != c {
				if s[j] == '\\' && c != '`' {
					j++
				}
				j++
			}
			i = j
			continue
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			continue
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return mask
			}
			i += end + 3
			continue
		case c == '(' || c == '[' || c == '{':
			depth++
			continue
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
			continue
		}
		mask[i] = depth == 0
	}
	return mask
}

// keywordAt reports whether kw starts at s[i] as a whole top-level word.
func keywordAt(s string, mask []bool, i int, kw string) bool {
	if !mask[i] || i+len(kw) > len(s) || !strings.EqualFold(s[i:i+len(kw)], kw) {
		return false
	}
	if i > 0 && (isWordByte(s[i-1]) || s[i-1] == '.' || s[i-1] == '$') {
		return false
	}
	return i+len(kw) == len(s) || !isWordByte(s[i+len(kw)])
}

func hasKeywordPrefix(s, kw string) bool {
	return len(s) > len(kw) && strings.EqualFold(s[:len(kw)], kw) && !isWordByte(s[len(kw)])
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
