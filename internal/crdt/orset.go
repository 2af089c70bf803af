package crdt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// ORSet is an observed-remove set of strings. Each add mints a unique tag;
// remove tombstones the tags observed at the time, so a concurrent add with
// a fresh tag survives the remove.
type ORSet struct {
	Entries    map[string]map[string]bool `json:"entries"`
	Tombstones map[string]bool            `json:"tombstones"`
	Counter    uint64                     `json:"counter"`
}

// NewORSet returns an empty set.
func NewORSet() *ORSet {
	return &ORSet{
		Entries:    make(map[string]map[string]bool),
		Tombstones: make(map[string]bool),
	}
}

func (s *ORSet) init() {
	if s.Entries == nil {
		s.Entries = make(map[string]map[string]bool)
	}
	if s.Tombstones == nil {
		s.Tombstones = make(map[string]bool)
	}
}

func makeTag(node string, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	h := sha256.New()
	h.Write([]byte(node))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Add inserts elem with a new tag minted for node and returns the tag.
func (s *ORSet) Add(elem, node string) string {
	s.init()
	s.Counter++
	tag := makeTag(node, s.Counter)
	tags, ok := s.Entries[elem]
	if !ok {
		tags = make(map[string]bool)
		s.Entries[elem] = tags
	}
	tags[tag] = true
	return tag
}

// Remove tombstones every tag currently observed for elem.
func (s *ORSet) Remove(elem string) {
	s.init()
	for tag := range s.Entries[elem] {
		s.Tombstones[tag] = true
	}
	delete(s.Entries, elem)
}

// Contains reports whether elem has at least one live tag.
func (s *ORSet) Contains(elem string) bool {
	return len(s.Entries[elem]) > 0
}

// Elements returns live elements in sorted order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.Entries))
	for e, tags := range s.Entries {
		if len(tags) > 0 {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live elements.
func (s *ORSet) Len() int {
	return len(s.Elements())
}

// Merge unions live tags, applies both sides' tombstones, and drops
// elements left without live tags.
func (s *ORSet) Merge(other *ORSet) {
	if other == nil {
		return
	}
	s.init()
	for tag := range other.Tombstones {
		s.Tombstones[tag] = true
	}
	for elem, tags := range other.Entries {
		for tag := range tags {
			if s.Tombstones[tag] {
				continue
			}
			mine, ok := s.Entries[elem]
			if !ok {
				mine = make(map[string]bool)
				s.Entries[elem] = mine
			}
			mine[tag] = true
		}
	}
	for elem, tags := range s.Entries {
		for tag := range tags {
			if s.Tombstones[tag] {
				delete(tags, tag)
			}
		}
		if len(tags) == 0 {
			delete(s.Entries, elem)
		}
	}
	if other.Counter > s.Counter {
		s.Counter = other.Counter
	}
}

// Clone returns a deep copy.
func (s *ORSet) Clone() *ORSet {
	out := NewORSet()
	for e, tags := range s.Entries {
		cp := make(map[string]bool, len(tags))
		for t := range tags {
			cp[t] = true
		}
		out.Entries[e] = cp
	}
	for t := range s.Tombstones {
		out.Tombstones[t] = true
	}
	out.Counter = s.Counter
	return out
}
