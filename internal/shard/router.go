// Package shard routes document keys to shards and decides which cluster
// members hold replicas of a shard.
package shard

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Route maps key onto one of numShards shards. With zero shards every key
// routes to shard 0.
func Route(key string, numShards uint16) uint16 {
	if numShards == 0 {
		return 0
	}
	return uint16(xxhash.Sum64String(key) % uint64(numShards))
}

// IsShardReplica reports whether the member at nodeIndex holds a replica of
// shard. The primary is shard mod numNodes and replicas follow round-robin.
// A cluster of zero nodes is single-node mode and owns everything.
func IsShardReplica(shard uint16, nodeIndex int, replicationFactor uint16, numNodes int) bool {
	if numNodes <= 0 {
		return true
	}

	primary := int(shard) % numNodes
	rf := int(replicationFactor)
	if rf > numNodes {
		rf = numNodes
	}
	for offset := 0; offset < rf; offset++ {
		if (primary+offset)%numNodes == nodeIndex {
			return true
		}
	}
	return false
}

// ReplicaNodes returns the members holding shard, primary first.
func ReplicaNodes(shard uint16, nodes []string, replicationFactor uint16) []string {
	if len(nodes) == 0 {
		return nil
	}

	rf := int(replicationFactor)
	if rf > len(nodes) {
		rf = len(nodes)
	}
	primary := int(shard) % len(nodes)
	out := make([]string, 0, rf)
	for offset := 0; offset < rf; offset++ {
		out = append(out, nodes[(primary+offset)%len(nodes)])
	}
	return out
}

// Members returns the sorted cluster membership and the index of self in it.
// Every node derives the same order from the same membership.
func Members(self string, peers []string) ([]string, int) {
	seen := map[string]bool{self: true}
	members := []string{self}
	for _, p := range peers {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		members = append(members, p)
	}
	sort.Strings(members)

	return members, sort.SearchStrings(members, self)
}
