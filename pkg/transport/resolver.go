package transport

import (
	"fmt"
	"net"
	"strconv"

	"sdfs/pkg/types"
)

// Role names one of the endpoints every node exposes.
type Role int

const (
	RoleCommand    Role = iota // TCP, client and peer commands
	RoleAck                    // UDP, receives pings and answers acks
	RoleProbe                  // UDP, sends pings and receives acks
	RoleGossip                 // UDP, membership broadcasts
	RoleIntroducer             // UDP, join requests (introducer only)
	RoleSignal                 // TCP, put-time keep/discard signals
	RolePush                   // TCP, re-replication transfers
	RoleMetrics                // HTTP, prometheus metrics
	RoleHealth                 // gRPC, health service
)

var roleNames = map[Role]string{
	RoleCommand:    "command",
	RoleAck:        "ack",
	RoleProbe:      "probe",
	RoleGossip:     "gossip",
	RoleIntroducer: "introducer",
	RoleSignal:     "signal",
	RolePush:       "push",
	RoleMetrics:    "metrics",
	RoleHealth:     "health",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Roles lists every role in declaration order.
func Roles() []Role {
	return []Role{RoleCommand, RoleAck, RoleProbe, RoleGossip, RoleIntroducer, RoleSignal, RolePush, RoleMetrics, RoleHealth}
}

// Resolver maps a node identity and role to a dialable address.
type Resolver interface {
	Resolve(id types.NodeID, role Role) (string, error)
}

// OffsetResolver derives each role's port by adding a fixed offset to
// the identity's base port.
type OffsetResolver struct {
	Offsets map[Role]int
}

// DefaultOffsets places every role on consecutive ports after the base.
func DefaultOffsets() map[Role]int {
	offsets := make(map[Role]int, len(roleNames))
	for _, r := range Roles() {
		offsets[r] = int(r)
	}
	return offsets
}

// NewOffsetResolver returns a resolver using offsets, or the defaults when nil.
func NewOffsetResolver(offsets map[Role]int) *OffsetResolver {
	if offsets == nil {
		offsets = DefaultOffsets()
	}
	return &OffsetResolver{Offsets: offsets}
}

func (o *OffsetResolver) Resolve(id types.NodeID, role Role) (string, error) {
	off, ok := o.Offsets[role]
	if !ok {
		return "", fmt.Errorf("no port offset for %s role", role)
	}
	base, err := id.Port()
	if err != nil {
		return "", err
	}
	port := base + off
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%s port %d out of range for %s", role, port, id)
	}
	return net.JoinHostPort(id.Host(), strconv.Itoa(port)), nil
}
