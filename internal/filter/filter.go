// Package filter evaluates the simple field comparisons sync clients use to
// narrow what they pull, e.g. `doc.status == "active"` or `age >= 21`.
package filter

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpGte Op = ">="
	OpLte Op = "<="
	OpGt  Op = ">"
	OpLt  Op = "<"
)

// Two-character operators must be tried before their one-character prefixes.
var operators = []Op{OpEq, OpNe, OpGte, OpLte, OpGt, OpLt}

// Expr is a parsed comparison.
type Expr struct {
	Path  string
	Op    Op
	Value any
}

// Parse parses "field op literal". ok is false when no operator is found or
// the field is empty.
func Parse(query string) (Expr, bool) {
	for _, op := range operators {
		idx := strings.Index(query, string(op))
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(query[:idx])
		path = strings.TrimPrefix(path, "doc.")
		if path == "" {
			return Expr{}, false
		}
		return Expr{
			Path:  path,
			Op:    op,
			Value: ParseLiteral(strings.TrimSpace(query[idx+len(op):])),
		}, true
	}
	return Expr{}, false
}

// ParseLiteral interprets a literal: a quoted string, true, false, null, a
// number, or else the bare text.
func ParseLiteral(s string) any {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Match reports whether doc satisfies query. An empty or unparseable query
// matches everything.
func Match(query string, doc json.RawMessage) bool {
	if strings.TrimSpace(query) == "" {
		return true
	}
	expr, ok := Parse(query)
	if !ok {
		return true
	}
	return expr.Match(doc)
}

// Match evaluates e against doc.
func (e Expr) Match(doc json.RawMessage) bool {
	field := gjson.GetBytes(doc, e.Path)

	switch e.Op {
	case OpEq:
		return equal(field, e.Value)
	case OpNe:
		return !equal(field, e.Value)
	}

	left := number(field)
	right := literalNumber(e.Value)
	switch e.Op {
	case OpGte:
		return left >= right
	case OpLte:
		return left <= right
	case OpGt:
		return left > right
	case OpLt:
		return left < right
	}
	return true
}

func equal(field gjson.Result, want any) bool {
	switch v := want.(type) {
	case nil:
		return !field.Exists() || field.Type == gjson.Null
	case bool:
		return (field.Type == gjson.True || field.Type == gjson.False) && field.Bool() == v
	case float64:
		return field.Type == gjson.Number && field.Float() == v
	case string:
		return field.Type == gjson.String && field.Str == v
	}
	return false
}

func number(field gjson.Result) float64 {
	if field.Type == gjson.Number {
		return field.Float()
	}
	return 0
}

func literalNumber(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
