package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/wire"
)

// Sink is the one-way capability to push frames to the cluster. It is
// satisfied by *wire.Layer but kept as a narrow interface so the
// Registry (and later the Migration Coordinator) never holds a
// back-reference to the full Wire layer — see Design Notes §9.
type Sink interface {
	Broadcast(msg wire.Message)
}

// EventKind enumerates the local events the Registry emits for local
// observability consumers (see cmd/dprocd's registry event logger) to
// react to. The Shadow Replicator is driven directly via the
// supervisor OutputSink and EnsureShadow, not through this channel.
type EventKind string

const (
	EventCreated  EventKind = "Created"
	EventUpdated  EventKind = "Updated"
	EventRemoved  EventKind = "Removed"
	EventConflict EventKind = "Conflict"
)

// Event is a local (non-wire) notification of a registry mutation.
type Event struct {
	Kind     EventKind
	Instance Instance
}

// Registry is the cluster-wide InstanceID -> Instance map maintained
// on this node.
type Registry struct {
	self cluster.NodeID
	sink Sink
	log  *logrus.Entry

	mu        sync.RWMutex
	instances map[InstanceID]Instance

	conflicts int64
	events    chan Event
}

// New constructs a Registry for this node. sink may be nil in tests
// that don't exercise broadcast.
func New(self cluster.NodeID, sink Sink, log *logrus.Entry) *Registry {
	return &Registry{
		self:      self,
		sink:      sink,
		log:       log,
		instances: make(map[InstanceID]Instance),
		events:    make(chan Event, 256),
	}
}

// Events returns the channel of local registry events.
func (r *Registry) Events() <-chan Event { return r.events }

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn("registry event queue full, dropping")
	}
}

func (r *Registry) broadcast(msg wire.Message) {
	if r.sink != nil {
		r.sink.Broadcast(msg)
	}
}

// Get returns a clone of the instance, or InstanceNotFound.
func (r *Registry) Get(id InstanceID) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[id]
	if !ok {
		return Instance{}, dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	return in.Clone(), nil
}

// Resolve finds an instance by full id or unique short prefix.
func (r *Registry) Resolve(ref string) (InstanceID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(ref) >= 32 {
		// attempt full-id parse via String() comparison over the live set
		for id := range r.instances {
			if id.String() == ref {
				return id, nil
			}
		}
	}

	var matches []InstanceID
	for id := range r.instances {
		if len(ref) <= len(id.Short()) && id.Short()[:len(ref)] == ref {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return InstanceID{}, dprocerr.New(dprocerr.InstanceNotFound, "no instance matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return InstanceID{}, dprocerr.New(dprocerr.AmbiguousInstance, "%q matches %d instances", ref, len(matches))
	}
}

// Snapshot returns a clone of the full instance set, for display.
func (r *Registry) Snapshot() map[InstanceID]Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[InstanceID]Instance, len(r.instances))
	for id, in := range r.instances {
		out[id] = in.Clone()
	}
	return out
}

// Register creates a new Instance owned by this node and broadcasts
// InstanceSync.
func (r *Registry) Register(in Instance) {
	in.PrimaryNode = r.self
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if in.Checkpoints == nil {
		in.Checkpoints = make(map[string]CheckpointInfo)
	}

	r.mu.Lock()
	r.instances[in.ID] = in
	r.mu.Unlock()

	r.emit(Event{Kind: EventCreated, Instance: in.Clone()})
	r.broadcast(wire.InstanceSync{Instance: in.toWire()})
}

// UpdateStatus transitions status locally and broadcasts the change.
func (r *Registry) UpdateStatus(id InstanceID, status Status) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	in.Status = status
	r.instances[id] = in
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Instance: in.Clone()})
	r.broadcast(wire.InstanceSync{Instance: in.toWire()})
	return nil
}

// SetCheckpoint records a new checkpoint against an instance.
func (r *Registry) SetCheckpoint(id InstanceID, cp CheckpointInfo) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	if in.Checkpoints == nil {
		in.Checkpoints = make(map[string]CheckpointInfo)
	}
	in.Checkpoints[cp.Name] = cp
	r.instances[id] = in
	r.mu.Unlock()
	return nil
}

// SetLocalPID records the locally-owned PID for a Running instance.
func (r *Registry) SetLocalPID(id InstanceID, pid *int) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	in.LocalPID = pid
	r.instances[id] = in
	r.mu.Unlock()
	return nil
}

// Remove deletes an instance after its primary's stop succeeds, and
// broadcasts InstanceStop.
func (r *Registry) Remove(id InstanceID) {
	r.mu.Lock()
	in, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.emit(Event{Kind: EventRemoved, Instance: in})
	r.broadcast(wire.InstanceStop{InstanceID: id.toWire()})
}

// Migrate flips primary ownership from `from` to `to`: the rule
// requires the local record show primary=from and Status=Running; the
// record becomes primary=to (still Running). The registry keeps one
// record per id, so that record is this node's only local copy and
// there is no other copy to demote here.
func (r *Registry) Migrate(id InstanceID, from, to cluster.NodeID) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	if in.PrimaryNode != from || in.Status != Running {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.MigrationRejected, "instance %s is not Running with primary=%s", id.Short(), from)
	}
	in.PrimaryNode = to
	r.instances[id] = in
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Instance: in.Clone()})
	r.broadcast(wire.InstanceSync{Instance: in.toWire()})
	return nil
}

// ApplyInstanceSync merges an inbound InstanceSync using the
// created-at-wins conflict rule.
func (r *Registry) ApplyInstanceSync(snap wire.InstanceSnapshot) {
	incoming := fromWireSnapshot(snap)
	demoteForeign(&incoming, r.self)

	r.mu.Lock()
	existing, ok := r.instances[incoming.ID]
	if !ok {
		r.instances[incoming.ID] = incoming
		r.mu.Unlock()
		r.emit(Event{Kind: EventCreated, Instance: incoming.Clone()})
		return
	}

	conflicting := existing.PrimaryNode != incoming.PrimaryNode || existing.Status != incoming.Status
	var winner Instance
	switch {
	case incoming.CreatedAt.After(existing.CreatedAt):
		winner = incoming
	case existing.CreatedAt.After(incoming.CreatedAt):
		winner = existing
	default:
		winner = existing
	}
	r.instances[incoming.ID] = winner
	r.mu.Unlock()

	if conflicting {
		r.conflicts++
		r.log.Warnf("instance %s sync conflict: local primary=%s status=%s vs remote primary=%s status=%s",
			incoming.ID.Short(), existing.PrimaryNode, existing.Status, incoming.PrimaryNode, incoming.Status)
		r.emit(Event{Kind: EventConflict, Instance: winner.Clone()})
	}
	r.emit(Event{Kind: EventUpdated, Instance: winner.Clone()})
}

// demoteForeign enforces spec §3's at-most-one-primary invariant on
// receipt: a synced record whose PrimaryNode isn't this node is always
// held locally as a Shadow, no matter what status its owner broadcast
// it under, since owning-side Status reflects that node's own role,
// not this one's.
func demoteForeign(in *Instance, self cluster.NodeID) {
	if in.PrimaryNode == self {
		return
	}
	if in.Status == Shadow {
		return
	}
	in.Status = Shadow
	if in.ShadowSource == nil {
		src := in.PrimaryNode
		in.ShadowSource = &src
	}
	in.LocalPID = nil
}

// EnsureShadow creates a minimal Shadow-status placeholder for id if
// no record exists yet, so a ShadowSync that races ahead of (or
// substitutes for) the owning InstanceSync still has somewhere to
// live (spec §4.7 step 1).
func (r *Registry) EnsureShadow(id InstanceID, source cluster.NodeID) {
	r.mu.Lock()
	if _, ok := r.instances[id]; ok {
		r.mu.Unlock()
		return
	}
	src := source
	in := Instance{
		ID:           id,
		Status:       Shadow,
		PrimaryNode:  source,
		ShadowSource: &src,
		CreatedAt:    time.Now(),
		Checkpoints:  make(map[string]CheckpointInfo),
	}
	r.instances[id] = in
	r.mu.Unlock()
	r.emit(Event{Kind: EventCreated, Instance: in.Clone()})
}

// PromoteToRunning flips a local Shadow record to Running with a new
// PID, on successful migration-target restore (spec §3 Lifecycle).
func (r *Registry) PromoteToRunning(id InstanceID, pid int) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	in.Status = Running
	in.PrimaryNode = r.self
	in.ShadowSource = nil
	p := pid
	in.LocalPID = &p
	r.instances[id] = in
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Instance: in.Clone()})
	r.broadcast(wire.InstanceSync{Instance: in.toWire()})
	return nil
}

// DemoteToShadow flips a record this node used to be primary for down
// to Shadow after migrating it away to newPrimary (spec §4.8's
// cleanup step).
func (r *Registry) DemoteToShadow(id InstanceID, newPrimary cluster.NodeID) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return dprocerr.New(dprocerr.InstanceNotFound, "instance %s not found", id.Short())
	}
	in.PrimaryNode = newPrimary
	in.Status = Shadow
	src := newPrimary
	in.ShadowSource = &src
	in.LocalPID = nil
	r.instances[id] = in
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Instance: in.Clone()})
	r.broadcast(wire.InstanceSync{Instance: in.toWire()})
	return nil
}

// ApplyInstanceStop removes a locally-held copy on receipt of an
// InstanceStop broadcast from the owning primary.
func (r *Registry) ApplyInstanceStop(id wire.InstanceID) {
	iid := fromWire(id)
	r.mu.Lock()
	in, ok := r.instances[iid]
	delete(r.instances, iid)
	r.mu.Unlock()
	if ok {
		r.emit(Event{Kind: EventRemoved, Instance: in})
	}
}

// ConflictCount returns the number of InstanceSync conflicts observed,
// for diagnostics.
func (r *Registry) ConflictCount() int64 { return r.conflicts }
