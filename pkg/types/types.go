package types

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// NodeID identifies a node by the host:port of its command listener.
// IDs are compared lexicographically; that order defines member ranks.
type NodeID string

// Host returns the host part of the identity.
func (id NodeID) Host() string {
	host, _, err := net.SplitHostPort(string(id))
	if err != nil {
		return string(id)
	}
	return host
}

// Port returns the base port of the identity.
func (id NodeID) Port() (int, error) {
	_, port, err := net.SplitHostPort(string(id))
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", string(id), err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("invalid port in node id %q: %w", string(id), err)
	}
	return p, nil
}

func (id NodeID) String() string {
	return string(id)
}

// ParseNodeID validates a host:port identity.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty node id")
	}
	id := NodeID(s)
	if _, err := id.Port(); err != nil {
		return "", err
	}
	if id.Host() == "" {
		return "", fmt.Errorf("node id %q has no host", s)
	}
	return id, nil
}

// Canonical dedupes and sorts ids, dropping empty entries.
func Canonical(ids []NodeID) []NodeID {
	seen := make(map[NodeID]struct{}, len(ids))
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// JoinIDs renders ids space-delimited, the membership broadcast payload format.
func JoinIDs(ids []NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, " ")
}

// SplitIDs parses a space-delimited membership payload.
func SplitIDs(s string) []NodeID {
	fields := strings.Fields(s)
	ids := make([]NodeID, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, NodeID(f))
	}
	return ids
}

// FileInfo describes a locally stored file.
type FileInfo struct {
	Name     string
	Versions int
	Size     int64 // size of the latest version
}
