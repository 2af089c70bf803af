package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// FieldRuleEvaluator is a small declarative ScriptEvaluator. A script is one
// rule:
//
//	local            keep the local document
//	remote           keep the remote document
//	merge            merge both documents field by field
//	newest:<path>    keep the document whose numeric field at path is larger
//	prefer:<path>=<value>  keep the side whose field at path equals value
type FieldRuleEvaluator struct{}

// Evaluate implements ScriptEvaluator.
func (FieldRuleEvaluator) Evaluate(_ context.Context, script string, local, remote json.RawMessage, _, _ string) (ScriptOutcome, error) {
	rule := strings.TrimSpace(script)
	name, arg, _ := strings.Cut(rule, ":")

	switch name {
	case "local", "remote":
		return ScriptOutcome{Choice: name}, nil

	case "merge":
		merged, ok := mergeDocuments(local, remote)
		if !ok {
			return ScriptOutcome{}, fmt.Errorf("merge rule requires two objects")
		}
		return ScriptOutcome{Merged: merged}, nil

	case "newest":
		if arg == "" {
			return ScriptOutcome{}, fmt.Errorf("newest rule requires a field path")
		}
		l, r := gjson.GetBytes(local, arg), gjson.GetBytes(remote, arg)
		if !l.Exists() && !r.Exists() {
			return ScriptOutcome{}, fmt.Errorf("field %q missing on both sides", arg)
		}
		if r.Float() > l.Float() {
			return ScriptOutcome{Choice: "remote"}, nil
		}
		return ScriptOutcome{Choice: "local"}, nil

	case "prefer":
		path, want, ok := strings.Cut(arg, "=")
		if !ok || path == "" {
			return ScriptOutcome{}, fmt.Errorf("prefer rule requires path=value")
		}
		if gjson.GetBytes(remote, path).String() == want && gjson.GetBytes(local, path).String() != want {
			return ScriptOutcome{Choice: "remote"}, nil
		}
		return ScriptOutcome{Choice: "local"}, nil

	default:
		return ScriptOutcome{}, fmt.Errorf("unknown rule %q", name)
	}
}
