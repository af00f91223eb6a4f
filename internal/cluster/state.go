package cluster

import "time"

// State is a pure function of the NodeInfo set: NodeID -> Info, plus
// a cluster id and a last-updated timestamp.
type State struct {
	ClusterID   string
	Nodes       map[NodeID]Info
	LastUpdated time.Time
}

// NewState returns an empty state for the given cluster id.
func NewState(clusterID string) State {
	return State{ClusterID: clusterID, Nodes: make(map[NodeID]Info)}
}

// Clone deep-copies the node map so callers can format/display without
// holding the owner's lock.
func (s State) Clone() State {
	out := State{ClusterID: s.ClusterID, LastUpdated: s.LastUpdated, Nodes: make(map[NodeID]Info, len(s.Nodes))}
	for id, info := range s.Nodes {
		out.Nodes[id] = info.Clone()
	}
	return out
}

// Event is emitted by Membership mutators for the rest of the system
// to react to.
type Event struct {
	Kind   EventKind
	Node   Info
	Reason string
}

type EventKind string

const (
	EventNodeJoined    EventKind = "NodeJoined"
	EventNodeLeft      EventKind = "NodeLeft"
	EventStatusChanged EventKind = "StatusChanged"
	EventStateConflict EventKind = "StateConflict"
)

// Merge applies the last-write-wins merge rule described in spec §4.5
// to combine a local State with one remote snapshot, returning the
// merged State and the events the merge produced.
//
// Rule: for every NodeID present in either side — only local: keep
// (a partition, not a departure); only remote: add, emit NodeJoined;
// both: keep the greater LastSeen; a tie with differing payloads
// emits StateConflict (first side to "keep" is itself the winner, so a
// tie is resolved by retaining the local value and reporting the
// disagreement rather than silently picking one).
func Merge(local, remote State) (State, []Event) {
	merged := State{ClusterID: local.ClusterID, Nodes: make(map[NodeID]Info, len(local.Nodes)+len(remote.Nodes))}
	var events []Event

	for id, info := range local.Nodes {
		merged.Nodes[id] = info
	}

	for id, rinfo := range remote.Nodes {
		linfo, ok := merged.Nodes[id]
		if !ok {
			merged.Nodes[id] = rinfo
			events = append(events, Event{Kind: EventNodeJoined, Node: rinfo})
			continue
		}
		switch {
		case rinfo.LastSeen.After(linfo.LastSeen):
			merged.Nodes[id] = rinfo
		case linfo.LastSeen.After(rinfo.LastSeen):
			// local wins, nothing to do
		default:
			if !sameInfo(linfo, rinfo) {
				events = append(events, Event{Kind: EventStateConflict, Node: linfo, Reason: "last_seen tie with differing payload"})
			}
		}
	}

	if local.LastUpdated.After(remote.LastUpdated) {
		merged.LastUpdated = local.LastUpdated
	} else {
		merged.LastUpdated = remote.LastUpdated
	}

	return merged, events
}

func sameInfo(a, b Info) bool {
	if a.Name != b.Name || a.Endpoint != b.Endpoint || a.Version != b.Version || a.Status != b.Status {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
