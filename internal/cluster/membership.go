package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default timings per spec §4.5 / §5.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultLivenessSweep     = time.Minute
	DefaultLivenessTimeout   = 5 * time.Minute
)

// Membership is the authoritative ClusterState holder for this node.
// All field access goes through mu; mutators hold the lock only long
// enough to mutate and snapshot, never across a suspension point.
type Membership struct {
	mu    sync.RWMutex
	self  NodeID
	state State

	log    *logrus.Entry
	events chan Event
}

// New creates a Membership seeded with this node's own Info.
func New(self Info, clusterID string, log *logrus.Entry) *Membership {
	m := &Membership{
		self:   self.ID,
		state:  NewState(clusterID),
		log:    log,
		events: make(chan Event, 256),
	}
	m.state.Nodes[self.ID] = self
	return m
}

// Events returns the channel of membership events. The consumer loop
// (spec §4.3's single event-routing consumer) drains it.
func (m *Membership) Events() <-chan Event { return m.events }

func (m *Membership) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warnf("membership event queue full, dropping %s for %s", ev.Kind, ev.Node.ID)
	}
}

// Snapshot returns a cloned, lock-free copy of the current state.
func (m *Membership) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Self returns this node's own up to date Info.
func (m *Membership) Self() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Nodes[m.self]
}

// AddLocalNode refreshes this node's own Info entry (name/endpoint
// changes, version bump, etc).
func (m *Membership) AddLocalNode(info Info) {
	info.ID = m.self
	m.mu.Lock()
	m.state.Nodes[m.self] = info
	m.state.LastUpdated = time.Now()
	m.mu.Unlock()
}

// AddNode registers a newly discovered peer.
func (m *Membership) AddNode(info Info) {
	m.mu.Lock()
	_, existed := m.state.Nodes[info.ID]
	m.state.Nodes[info.ID] = info
	m.state.LastUpdated = time.Now()
	m.mu.Unlock()

	if !existed {
		m.emit(Event{Kind: EventNodeJoined, Node: info})
	}
}

// RemoveNode drops a node from the table and emits NodeLeft.
func (m *Membership) RemoveNode(id NodeID, reason string) {
	m.mu.Lock()
	info, ok := m.state.Nodes[id]
	if ok {
		delete(m.state.Nodes, id)
		m.state.LastUpdated = time.Now()
	}
	m.mu.Unlock()

	if ok {
		m.emit(Event{Kind: EventNodeLeft, Node: info, Reason: reason})
	}
}

// UpdateStatus transitions a node's Status and refreshes LastSeen when
// the node is coming back Online.
func (m *Membership) UpdateStatus(id NodeID, status Status) {
	m.mu.Lock()
	info, ok := m.state.Nodes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	changed := info.Status != status
	info.Status = status
	if status == Online {
		info.LastSeen = time.Now()
	}
	m.state.Nodes[id] = info
	m.state.LastUpdated = time.Now()
	m.mu.Unlock()

	if changed {
		m.emit(Event{Kind: EventStatusChanged, Node: info})
	}
}

// Touch refreshes LastSeen for id, restoring Online status if it had
// drifted to Offline (heartbeat handling, spec §4.5).
func (m *Membership) Touch(id NodeID) {
	m.mu.Lock()
	info, ok := m.state.Nodes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasOffline := info.Status == Offline
	info.LastSeen = time.Now()
	if wasOffline {
		info.Status = Online
	}
	m.state.Nodes[id] = info
	m.mu.Unlock()

	if wasOffline {
		m.emit(Event{Kind: EventStatusChanged, Node: info})
	}
}

// Synchronize merges a remote snapshot into the local state using the
// last-write-wins rule and emits the resulting events.
func (m *Membership) Synchronize(remote State) {
	m.mu.Lock()
	merged, events := Merge(m.state, remote)
	m.state = merged
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ev)
	}
}

// SweepLiveness removes any node (other than self) whose LastSeen is
// older than timeout, emitting NodeLeft for each.
func (m *Membership) SweepLiveness(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	var departed []Info
	for id, info := range m.state.Nodes {
		if id == m.self {
			continue
		}
		if info.LastSeen.Before(cutoff) {
			departed = append(departed, info)
			delete(m.state.Nodes, id)
		}
	}
	if len(departed) > 0 {
		m.state.LastUpdated = time.Now()
	}
	m.mu.Unlock()

	for _, info := range departed {
		m.log.Infof("node %s (%s) timed out, removing", info.ID, info.Name)
		m.emit(Event{Kind: EventNodeLeft, Node: info, Reason: "liveness timeout"})
	}
}

// RunLivenessSweeper blocks, sweeping at interval until stop fires.
func (m *Membership) RunLivenessSweeper(stop <-chan struct{}, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SweepLiveness(timeout)
		}
	}
}
