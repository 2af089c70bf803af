package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Type tags written by ToJSON for CRDT-typed fields.
const (
	TypePNCounter = "PNCounter"
	TypeORSet     = "ORSet"
)

// Field is a regular document field stamped with its last modification time.
type Field struct {
	Value    any    `json:"value"`
	Modified uint64 `json:"_modified"`
}

// Document combines regular fields, merged per field by last modification,
// with CRDT-typed fields that merge structurally.
type Document struct {
	Fields    map[string]Field             `json:"fields"`
	Counters  map[string]*PNCounter        `json:"counters"`
	Sets      map[string]*ORSet            `json:"sets"`
	Registers map[string]*LWWRegister[any] `json:"registers"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Fields:    make(map[string]Field),
		Counters:  make(map[string]*PNCounter),
		Sets:      make(map[string]*ORSet),
		Registers: make(map[string]*LWWRegister[any]),
	}
}

func (d *Document) init() {
	if d.Fields == nil {
		d.Fields = make(map[string]Field)
	}
	if d.Counters == nil {
		d.Counters = make(map[string]*PNCounter)
	}
	if d.Sets == nil {
		d.Sets = make(map[string]*ORSet)
	}
	if d.Registers == nil {
		d.Registers = make(map[string]*LWWRegister[any])
	}
}

// SetField writes a regular field at modification time ts.
func (d *Document) SetField(name string, value any, ts uint64) {
	d.init()
	incoming := Field{Value: value, Modified: ts}
	if cur, ok := d.Fields[name]; ok && !fieldWins(incoming, cur) {
		return
	}
	d.Fields[name] = incoming
}

// Counter returns the named counter, creating it when absent.
func (d *Document) Counter(name string) *PNCounter {
	d.init()
	c, ok := d.Counters[name]
	if !ok {
		c = NewPNCounter()
		d.Counters[name] = c
	}
	return c
}

// Set returns the named OR-Set, creating it when absent.
func (d *Document) Set(name string) *ORSet {
	d.init()
	s, ok := d.Sets[name]
	if !ok {
		s = NewORSet()
		d.Sets[name] = s
	}
	return s
}

// Register returns the named register, or nil when absent.
func (d *Document) Register(name string) *LWWRegister[any] {
	d.init()
	return d.Registers[name]
}

// SetRegister writes the named register.
func (d *Document) SetRegister(name string, value any, node string, ts uint64) {
	d.init()
	if r, ok := d.Registers[name]; ok {
		r.Set(value, node, ts)
		return
	}
	d.Registers[name] = NewLWWRegister[any](value, node, ts)
}

func fieldWins(a, b Field) bool {
	if a.Modified != b.Modified {
		return a.Modified > b.Modified
	}
	return compareCanonical(a.Value, b.Value) > 0
}

// Merge folds other into d.
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	d.init()
	for name, f := range other.Fields {
		if cur, ok := d.Fields[name]; !ok || fieldWins(f, cur) {
			d.Fields[name] = f
		}
	}
	for name, c := range other.Counters {
		if mine, ok := d.Counters[name]; ok {
			mine.Merge(c)
		} else {
			d.Counters[name] = c.Clone()
		}
	}
	for name, s := range other.Sets {
		if mine, ok := d.Sets[name]; ok {
			mine.Merge(s)
		} else {
			d.Sets[name] = s.Clone()
		}
	}
	for name, r := range other.Registers {
		if mine, ok := d.Registers[name]; ok {
			mine.Merge(r)
		} else {
			cp := *r
			d.Registers[name] = &cp
		}
	}
}

// Clone returns a deep copy via a JSON round trip of the state.
func (d *Document) Clone() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		return NewDocument()
	}
	out := NewDocument()
	if err := json.Unmarshal(data, out); err != nil {
		return NewDocument()
	}
	out.init()
	return out
}

// ToJSON renders the document as a plain object. Counters and sets render as
// {"_type": ..., "_value": ...}.
func (d *Document) ToJSON() map[string]any {
	d.init()
	out := make(map[string]any, len(d.Fields)+len(d.Counters)+len(d.Sets)+len(d.Registers))
	for name, f := range d.Fields {
		out[name] = f.Value
	}
	for name, r := range d.Registers {
		out[name] = r.Value
	}
	for name, c := range d.Counters {
		out[name] = map[string]any{"_type": TypePNCounter, "_value": c.Value()}
	}
	for name, s := range d.Sets {
		out[name] = map[string]any{"_type": TypeORSet, "_value": s.Elements()}
	}
	return out
}

// FieldNames returns every field name in sorted order.
func (d *Document) FieldNames() []string {
	d.init()
	seen := make(map[string]bool)
	for n := range d.Fields {
		seen[n] = true
	}
	for n := range d.Counters {
		seen[n] = true
	}
	for n := range d.Sets {
		seen[n] = true
	}
	for n := range d.Registers {
		seen[n] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeDocument parses serialized document state.
func DecodeDocument(raw json.RawMessage) (*Document, error) {
	d := NewDocument()
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode crdt document: %w", err)
	}
	d.init()
	return d, nil
}
