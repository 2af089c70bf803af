package crdt

// GCounter is a grow-only counter with one slot per node.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter returns an empty counter.
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

// Increment adds n to node's slot.
func (g *GCounter) Increment(node string, n uint64) {
	if n == 0 {
		return
	}
	if g.Counts == nil {
		g.Counts = make(map[string]uint64)
	}
	g.Counts[node] += n
}

// Value returns the sum of all slots.
func (g *GCounter) Value() uint64 {
	var total uint64
	for _, c := range g.Counts {
		total += c
	}
	return total
}

// NodeValue returns a single node's contribution.
func (g *GCounter) NodeValue(node string) uint64 {
	return g.Counts[node]
}

// Merge takes the pointwise max of both counters.
func (g *GCounter) Merge(other *GCounter) {
	if other == nil {
		return
	}
	if g.Counts == nil {
		g.Counts = make(map[string]uint64, len(other.Counts))
	}
	for node, c := range other.Counts {
		if c > g.Counts[node] {
			g.Counts[node] = c
		}
	}
}

// Clone returns a deep copy.
func (g *GCounter) Clone() *GCounter {
	out := NewGCounter()
	for k, v := range g.Counts {
		out.Counts[k] = v
	}
	return out
}

// PNCounter supports increments and decrements as a pair of GCounters.
type PNCounter struct {
	Inc *GCounter `json:"increments"`
	Dec *GCounter `json:"decrements"`
}

// NewPNCounter returns a zero counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{Inc: NewGCounter(), Dec: NewGCounter()}
}

func (p *PNCounter) init() {
	if p.Inc == nil {
		p.Inc = NewGCounter()
	}
	if p.Dec == nil {
		p.Dec = NewGCounter()
	}
}

// Increment adds n on behalf of node.
func (p *PNCounter) Increment(node string, n uint64) {
	p.init()
	p.Inc.Increment(node, n)
}

// Decrement subtracts n on behalf of node.
func (p *PNCounter) Decrement(node string, n uint64) {
	p.init()
	p.Dec.Increment(node, n)
}

// Value returns increments minus decrements.
func (p *PNCounter) Value() int64 {
	p.init()
	return int64(p.Inc.Value()) - int64(p.Dec.Value())
}

// Merge merges both halves independently.
func (p *PNCounter) Merge(other *PNCounter) {
	if other == nil {
		return
	}
	p.init()
	p.Inc.Merge(other.Inc)
	p.Dec.Merge(other.Dec)
}

// Clone returns a deep copy.
func (p *PNCounter) Clone() *PNCounter {
	p.init()
	return &PNCounter{Inc: p.Inc.Clone(), Dec: p.Dec.Clone()}
}
