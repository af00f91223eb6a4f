// Package cluster holds the membership view: the node table, the
// last-write-wins merge rule, and liveness sweeping.
package cluster

import (
	"time"

	"github.com/google/uuid"
)

// NodeID is a cluster-unique 128-bit identifier, generated once at
// process start.
type NodeID uuid.UUID

// NewNodeID generates a fresh NodeID.
func NewNodeID() NodeID { return NodeID(uuid.New()) }

func (id NodeID) String() string { return uuid.UUID(id).String() }

// Status is a node's last-known membership state.
type Status string

const (
	Online       Status = "online"
	Connecting   Status = "connecting"
	Disconnecting Status = "disconnecting"
	Offline      Status = "offline"
)

// Info is the gossiped description of a single node.
type Info struct {
	ID         NodeID
	Name       string
	Endpoint   string // TCP listen address, host:port
	Version    string
	Tags       []string
	JoinedAt   time.Time
	LastSeen   time.Time
	Status     Status
}

// Clone returns a deep-enough copy safe to hand out of the lock.
func (n Info) Clone() Info {
	tags := make([]string, len(n.Tags))
	copy(tags, n.Tags)
	n.Tags = tags
	return n
}
