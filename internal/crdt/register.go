// Package crdt implements conflict-free replicated data types whose merge
// operations are commutative, associative and idempotent.
package crdt

import (
	"bytes"
	"encoding/json"
)

// LWWRegister holds a single value. The write with the larger timestamp wins;
// ties go to the larger node id, then to the larger canonical encoding.
type LWWRegister[T any] struct {
	Value     T      `json:"value"`
	Timestamp uint64 `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

// NewLWWRegister returns a register written by node at ts.
func NewLWWRegister[T any](value T, node string, ts uint64) *LWWRegister[T] {
	return &LWWRegister[T]{Value: value, Timestamp: ts, NodeID: node}
}

// Set overwrites the register when ts is at least the current timestamp.
func (r *LWWRegister[T]) Set(value T, node string, ts uint64) {
	r.Merge(&LWWRegister[T]{Value: value, Timestamp: ts, NodeID: node})
}

// Merge folds other into r.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	if other == nil {
		return
	}
	if registerWins(other, r) {
		r.Value = other.Value
		r.Timestamp = other.Timestamp
		r.NodeID = other.NodeID
	}
}

// Merged returns a new register holding the merge of r and other.
func (r *LWWRegister[T]) Merged(other *LWWRegister[T]) *LWWRegister[T] {
	out := *r
	out.Merge(other)
	return &out
}

func registerWins[T any](a, b *LWWRegister[T]) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.NodeID != b.NodeID {
		return a.NodeID > b.NodeID
	}
	return compareCanonical(a.Value, b.Value) > 0
}

// compareCanonical orders two values by their JSON encoding. encoding/json
// sorts map keys, so equal values always encode identically.
func compareCanonical(a, b any) int {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return 0
	}
	return bytes.Compare(ab, bb)
}
