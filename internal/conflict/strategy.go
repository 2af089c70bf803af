package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperengineering/concord/internal/crdt"
)

// Kind selects a resolution policy.
type Kind int

const (
	LastWriteWins Kind = iota
	Deterministic
	AutomaticMerge
	Manual
	CustomScript
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case LastWriteWins:
		return "last_write_wins"
	case Deterministic:
		return "deterministic"
	case AutomaticMerge:
		return "automatic_merge"
	case Manual:
		return "manual"
	case CustomScript:
		return "custom_script"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Strategy is a resolution policy. Script is only used by CustomScript.
type Strategy struct {
	Kind   Kind
	Script string
}

// String renders the strategy in the form accepted by ParseStrategy.
func (s Strategy) String() string {
	if s.Kind == CustomScript {
		return "script:" + s.Script
	}
	return s.Kind.String()
}

// ParseStrategy parses a configured strategy name. A "script:" prefix
// selects CustomScript with the remainder as its source.
func ParseStrategy(name string) (Strategy, error) {
	if src, ok := strings.CutPrefix(name, "script:"); ok {
		return Strategy{Kind: CustomScript, Script: src}, nil
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lww", "last_write_wins":
		return Strategy{Kind: LastWriteWins}, nil
	case "deterministic":
		return Strategy{Kind: Deterministic}, nil
	case "merge", "automatic_merge":
		return Strategy{Kind: AutomaticMerge}, nil
	case "manual":
		return Strategy{Kind: Manual}, nil
	default:
		return Strategy{}, fmt.Errorf("unknown conflict strategy %q", name)
	}
}

// ScriptOutcome is what a custom script decided: Choice is "local" or
// "remote", or Merged holds a document.
type ScriptOutcome struct {
	Choice string
	Merged json.RawMessage
}

// ScriptEvaluator runs a user-supplied resolution script. Implementations
// live outside this package.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, script string, local, remote json.RawMessage, key, collection string) (ScriptOutcome, error)
}

// Resolve applies strategy to info. eval is only consulted for CustomScript.
func Resolve(ctx context.Context, strategy Strategy, info Info, eval ScriptEvaluator) Resolution {
	switch strategy.Kind {
	case LastWriteWins:
		return resolveLWW(info)

	case Deterministic:
		if info.LocalVector.MaxNode() >= info.RemoteVector.MaxNode() {
			return Resolution{Outcome: LocalWins}
		}
		return Resolution{Outcome: RemoteWins}

	case AutomaticMerge:
		if merged, ok := mergeDocuments(info.LocalData, info.RemoteData); ok {
			return Resolution{Outcome: Merged, Value: merged}
		}
		return resolveLWW(info)

	case Manual:
		return Resolution{Outcome: KeepBoth, Local: orNull(info.LocalData), Remote: orNull(info.RemoteData)}

	case CustomScript:
		return resolveScript(ctx, strategy.Script, info, eval)

	default:
		return Resolution{Outcome: LocalWins}
	}
}

// resolveLWW compares HLC timestamps, then counters; full ties keep local.
func resolveLWW(info Info) Resolution {
	lt, rt := info.LocalVector.HLCTimestamp(), info.RemoteVector.HLCTimestamp()
	switch {
	case lt > rt:
		return Resolution{Outcome: LocalWins}
	case rt > lt:
		return Resolution{Outcome: RemoteWins}
	}
	if info.LocalVector.HLCCounter() >= info.RemoteVector.HLCCounter() {
		return Resolution{Outcome: LocalWins}
	}
	return Resolution{Outcome: RemoteWins}
}

// resolveScript fails closed to LocalWins on any evaluator problem.
func resolveScript(ctx context.Context, script string, info Info, eval ScriptEvaluator) Resolution {
	if eval == nil {
		slog.Warn("no script evaluator configured",
			"component", "conflict",
			"action", "resolve_script",
			"document_key", info.DocumentKey,
		)
		return Resolution{Outcome: LocalWins}
	}

	out, err := eval.Evaluate(ctx, script, orNull(info.LocalData), orNull(info.RemoteData), info.DocumentKey, info.Collection)
	if err != nil {
		slog.Warn("conflict script failed",
			"component", "conflict",
			"action", "resolve_script",
			"document_key", info.DocumentKey,
			"error", err,
		)
		return Resolution{Outcome: LocalWins}
	}

	switch {
	case out.Choice == "local":
		return Resolution{Outcome: LocalWins}
	case out.Choice == "remote":
		return Resolution{Outcome: RemoteWins}
	case len(out.Merged) > 0 && isObject(out.Merged):
		return Resolution{Outcome: Merged, Value: out.Merged}
	default:
		return Resolution{Outcome: LocalWins}
	}
}

// crdtStateField carries serialized crdt.Document state inside a JSON
// document. When both sides carry it, the states merge structurally.
const crdtStateField = "_crdt"

// mergeDocuments merges two JSON objects field by field. It returns false
// when either side is not an object.
func mergeDocuments(local, remote json.RawMessage) (json.RawMessage, bool) {
	var l, r map[string]any
	if json.Unmarshal(local, &l) != nil || json.Unmarshal(remote, &r) != nil || l == nil || r == nil {
		return nil, false
	}

	var merged map[string]any
	if doc, ok := mergeCRDTState(l, r); ok {
		merged = doc
	} else {
		merged = mergeObjects(l, r)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return out, true
}

func mergeObjects(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, rv := range remote {
		lv, ok := local[k]
		if !ok {
			out[k] = rv
			continue
		}
		lm, lok := lv.(map[string]any)
		rm, rok := rv.(map[string]any)
		if lok && rok {
			out[k] = mergeObjects(lm, rm)
		} else {
			out[k] = rv
		}
	}
	return out
}

func mergeCRDTState(local, remote map[string]any) (map[string]any, bool) {
	ls, lok := local[crdtStateField]
	rs, rok := remote[crdtStateField]
	if !lok || !rok {
		return nil, false
	}
	ld, err := decodeState(ls)
	if err != nil {
		return nil, false
	}
	rd, err := decodeState(rs)
	if err != nil {
		return nil, false
	}

	ld.Merge(rd)
	out := ld.ToJSON()
	out[crdtStateField] = ld
	return out, true
}

func decodeState(v any) (*crdt.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return crdt.DecodeDocument(raw)
}

func isObject(raw json.RawMessage) bool {
	var m map[string]any
	return json.Unmarshal(raw, &m) == nil && m != nil
}
