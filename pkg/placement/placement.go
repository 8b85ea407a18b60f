// Package placement maps filenames to the ranks that own their replicas.
//
// A file's owners are R consecutive ranks of the sorted membership list
// starting at xxhash64(filename) mod N and wrapping around the end. Every
// function here is pure: two nodes holding the same snapshot agree.
package placement

import (
	"github.com/cespare/xxhash/v2"

	"sdfs/pkg/types"
)

// Hash is stable across processes and platforms.
func Hash(filename string) uint64 {
	return xxhash.Sum64String(filename)
}

// Base returns the first owner rank for filename in a group of n.
func Base(filename string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(Hash(filename) % uint64(n))
}

// Window returns the ranks base, base+1, ... wrapping modulo n, min(r, n) long.
func Window(base, n, r int) []int {
	if n <= 0 || r <= 0 {
		return nil
	}
	if r > n {
		r = n
	}
	ranks := make([]int, r)
	for k := 0; k < r; k++ {
		ranks[k] = (base + k) % n
	}
	return ranks
}

// Owners returns the ordered owner ranks of filename in snapshot.
func Owners(filename string, snapshot []types.NodeID, r int) []int {
	n := len(snapshot)
	return Window(Base(filename, n), n, r)
}

// IsOwner reports whether rank is inside filename's owner window.
func IsOwner(filename string, rank int, snapshot []types.NodeID, r int) bool {
	for _, o := range Owners(filename, snapshot, r) {
		if o == rank {
			return true
		}
	}
	return false
}

// OwnerIDs resolves Owners to member ids, primary first.
func OwnerIDs(filename string, snapshot []types.NodeID, r int) []types.NodeID {
	ranks := Owners(filename, snapshot, r)
	ids := make([]types.NodeID, len(ranks))
	for i, rank := range ranks {
		ids[i] = snapshot[rank]
	}
	return ids
}

// Coordinator is the rank-0 member, or "" for an empty snapshot.
func Coordinator(snapshot []types.NodeID) types.NodeID {
	if len(snapshot) == 0 {
		return ""
	}
	return snapshot[0]
}
