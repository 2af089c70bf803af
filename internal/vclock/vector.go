// Package vclock provides version vectors and a hybrid logical clock for
// tracking causality between replicas of the same document.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two version vectors.
type Ordering int

const (
	Equal Ordering = iota
	Dominates
	Dominated
	Concurrent
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// VersionVector is a per-node counter map plus the HLC pair of the most
// recent write it has observed.
type VersionVector struct {
	Nodes   map[string]uint64 `json:"nodes"`
	HLCTime uint64            `json:"hlc_timestamp"`
	HLCSeq  uint32            `json:"hlc_counter"`
}

// New returns an empty vector.
func New() VersionVector {
	return VersionVector{Nodes: make(map[string]uint64)}
}

// WithNode returns a vector with a single node counter set.
func WithNode(node string, counter uint64) VersionVector {
	v := New()
	v.Nodes[node] = counter
	return v
}

// Increment bumps the counter for node and returns the new value.
func (v *VersionVector) Increment(node string) uint64 {
	if v.Nodes == nil {
		v.Nodes = make(map[string]uint64)
	}
	v.Nodes[node]++
	return v.Nodes[node]
}

// Get returns the counter for node, zero when absent.
func (v VersionVector) Get(node string) uint64 {
	return v.Nodes[node]
}

// SetHLC stamps the vector with an HLC timestamp and counter.
func (v *VersionVector) SetHLC(ts uint64, counter uint32) {
	v.HLCTime = ts
	v.HLCSeq = counter
}

// HLCTimestamp returns the physical component of the stamped HLC.
func (v VersionVector) HLCTimestamp() uint64 { return v.HLCTime }

// HLCCounter returns the logical component of the stamped HLC.
func (v VersionVector) HLCCounter() uint32 { return v.HLCSeq }

// IsEmpty reports whether the vector has no node counters.
func (v VersionVector) IsEmpty() bool {
	return len(v.Nodes) == 0
}

// dominates reports whether every counter in other is <= the one in v.
func (v VersionVector) dominates(other VersionVector) bool {
	for node, c := range other.Nodes {
		if v.Nodes[node] < c {
			return false
		}
	}
	return true
}

// Compare places v relative to other in the vector-clock partial order.
func (v VersionVector) Compare(other VersionVector) Ordering {
	a, b := v.dominates(other), other.dominates(v)
	switch {
	case a && b:
		return Equal
	case a:
		return Dominates
	case b:
		return Dominated
	default:
		return Concurrent
	}
}

// Merge folds other into v: pointwise max of counters, and the greater HLC pair.
func (v *VersionVector) Merge(other VersionVector) {
	if v.Nodes == nil {
		v.Nodes = make(map[string]uint64, len(other.Nodes))
	}
	for node, c := range other.Nodes {
		if c > v.Nodes[node] {
			v.Nodes[node] = c
		}
	}
	if other.HLCTime > v.HLCTime || (other.HLCTime == v.HLCTime && other.HLCSeq > v.HLCSeq) {
		v.HLCTime = other.HLCTime
		v.HLCSeq = other.HLCSeq
	}
}

// Merged returns a copy of v merged with other.
func (v VersionVector) Merged(other VersionVector) VersionVector {
	out := v.Clone()
	out.Merge(other)
	return out
}

// Clone returns a deep copy.
func (v VersionVector) Clone() VersionVector {
	out := VersionVector{
		Nodes:   make(map[string]uint64, len(v.Nodes)),
		HLCTime: v.HLCTime,
		HLCSeq:  v.HLCSeq,
	}
	for k, c := range v.Nodes {
		out.Nodes[k] = c
	}
	return out
}

// NodeIDs returns the node ids in sorted order.
func (v VersionVector) NodeIDs() []string {
	ids := make([]string, 0, len(v.Nodes))
	for k := range v.Nodes {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// MaxNode returns the lexicographically largest node id with a non-zero
// counter, or "" for an empty vector.
func (v VersionVector) MaxNode() string {
	var max string
	for k, c := range v.Nodes {
		if c > 0 && k > max {
			max = k
		}
	}
	return max
}

// String renders the vector as {a:1, b:2}@ts.counter with nodes sorted.
func (v VersionVector) String() string {
	parts := make([]string, 0, len(v.Nodes))
	for _, k := range v.NodeIDs() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, v.Nodes[k]))
	}
	return fmt.Sprintf("{%s}@%d.%d", strings.Join(parts, ", "), v.HLCTime, v.HLCSeq)
}
