// Package migration implements the Migration Coordinator (spec §4.8):
// the source/target handshake, driving the Checkpoint Adapter on both
// sides, flipping the primary role, and broadcasting completion.
//
// Implemented as an orchestrator holding narrow interface handles onto
// Registry, Shadow Replicator, Checkpoint Adapter, Supervisor, and a
// one-way wire sink, per Design Notes §9's cyclic-ownership guidance —
// the Coordinator never holds a back-reference to the full Wire layer.
package migration

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/checkpoint"
	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/shadow"
	"github.com/dproc/dproc/internal/supervisor"
	"github.com/dproc/dproc/internal/wire"
)

// Sink is the one-way capability to address a single peer.
type Sink interface {
	SendTo(peer cluster.NodeID, msg wire.Message) bool
}

// RegistryView is the slice of Registry the Coordinator needs.
type RegistryView interface {
	Get(id registry.InstanceID) (registry.Instance, error)
	PromoteToRunning(id registry.InstanceID, pid int) error
	DemoteToShadow(id registry.InstanceID, newPrimary cluster.NodeID) error
}

// ShadowView is the slice of the Shadow Replicator the Coordinator
// needs: to check whether a Shadow is held (accept/reject), to push
// the migration checkpoint directly to the target, and to be told
// about checkpoints carrying migration metadata as they materialize.
type ShadowView interface {
	View(id registry.InstanceID) (shadow.Record, bool)
	PushCheckpointTo(id registry.InstanceID, imageDir string, peer cluster.NodeID) error
	OnRestoreTrigger(fn shadow.RestoreTrigger)
}

// CheckpointAdapter is the slice of the Checkpoint Adapter the
// Coordinator drives directly (spec §4.8's "MigrateStart"/"apply"
// steps).
type CheckpointAdapter interface {
	CreateCheckpoint(pid int, name string, id registry.InstanceID, snapshot checkpoint.OutputSnapshot) (string, error)
	RestoreCheckpoint(name string, id *registry.InstanceID) (int, checkpoint.OutputSnapshot, error)
	WriteMigrationMetadata(imageDir string, meta checkpoint.MigrationMetadata) error
}

// SupervisorView is the slice of Supervisor the Coordinator needs.
type SupervisorView interface {
	PID(id registry.InstanceID) (int, error)
	Stop(id registry.InstanceID) error
	History(id registry.InstanceID) (*supervisor.History, error)
	RegisterExternal(id registry.InstanceID, pid int, logPath string)
}

type role string

const (
	roleSource role = "source"
	roleTarget role = "target"
)

type pendingMigration struct {
	peer  cluster.NodeID
	role  role
	phase wire.MigrationPhase
}

// Result reports a migration's terminal outcome, consumed by whichever
// dispatcher command initiated it (nil Err means success).
type Result struct {
	InstanceID registry.InstanceID
	Err        error
}

// Coordinator drives the migration state machine across both the
// source and target role, since the same binary plays both depending
// on which instances it happens to be primary or shadow for.
type Coordinator struct {
	self cluster.NodeID
	sink Sink
	reg  RegistryView
	shd  ShadowView
	ckpt CheckpointAdapter
	sup  SupervisorView
	log  *logrus.Entry

	mu      sync.Mutex
	pending map[registry.InstanceID]*pendingMigration

	results chan Result
}

// New wires a Coordinator and registers it as the Shadow Replicator's
// restore trigger.
func New(self cluster.NodeID, sink Sink, reg RegistryView, shd ShadowView, ckpt CheckpointAdapter, sup SupervisorView, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		self:    self,
		sink:    sink,
		reg:     reg,
		shd:     shd,
		ckpt:    ckpt,
		sup:     sup,
		log:     log,
		pending: make(map[registry.InstanceID]*pendingMigration),
		results: make(chan Result, 32),
	}
	shd.OnRestoreTrigger(c.onRestoreTriggered)
	return c
}

// Results returns completed/failed migration outcomes.
func (c *Coordinator) Results() <-chan Result { return c.results }

func (c *Coordinator) emit(id registry.InstanceID, err error) {
	select {
	case c.results <- Result{InstanceID: id, Err: err}:
	default:
		c.log.Warn("migration result queue full, dropping")
	}
}

// StartMigration begins migrating id from this node to target
// (spec §4.8's `MigrateRequest`). Requires the local record to show
// primary=self and Status=Running. The outcome arrives later on
// Results().
func (c *Coordinator) StartMigration(id registry.InstanceID, target cluster.NodeID) error {
	in, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if in.PrimaryNode != c.self || in.Status != registry.Running {
		return dprocerr.New(dprocerr.MigrationRejected, "instance %s is not a locally-running primary", id.Short())
	}

	c.mu.Lock()
	c.pending[id] = &pendingMigration{peer: target, role: roleSource, phase: wire.PhaseMigrateRequest}
	c.mu.Unlock()

	if !c.sink.SendTo(target, wire.Migration{InstanceID: id.ToWire(), Phase: wire.PhaseMigrateRequest}) {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return dprocerr.New(dprocerr.PeerUnreachable, "cannot reach %s to request migration", target)
	}
	return nil
}

// HandleMigration routes an inbound Migration frame by phase. Called
// from the Wire layer's single consumer loop.
func (c *Coordinator) HandleMigration(sender cluster.NodeID, msg wire.Migration) {
	id := registry.InstanceIDFromWire(msg.InstanceID)
	switch msg.Phase {
	case wire.PhaseMigrateRequest:
		c.handleRequest(sender, id)
	case wire.PhaseMigrateAccept:
		c.handleAccept(sender, id)
	case wire.PhaseMigrateReject:
		c.handleReject(sender, id, msg.Reason)
	case wire.PhaseMigrationComplete:
		c.handleComplete(sender, id)
	case wire.PhaseMigrationFailed:
		c.handleFailed(id, msg.Reason)
	default:
		c.log.Warnf("unknown migration phase %q from %s", msg.Phase, sender)
	}
}

// handleRequest is the target's reaction to MigrateRequest: accept iff
// a Shadow is held for the instance, else reject.
func (c *Coordinator) handleRequest(sender cluster.NodeID, id registry.InstanceID) {
	if _, ok := c.shd.View(id); !ok {
		c.sink.SendTo(sender, wire.Migration{
			InstanceID: id.ToWire(),
			Phase:      wire.PhaseMigrateReject,
			Reason:     "no shadow record held for instance",
		})
		return
	}

	c.mu.Lock()
	c.pending[id] = &pendingMigration{peer: sender, role: roleTarget, phase: wire.PhaseMigrateAccept}
	c.mu.Unlock()

	c.sink.SendTo(sender, wire.Migration{InstanceID: id.ToWire(), Phase: wire.PhaseMigrateAccept})
}

// handleAccept is the source's reaction to MigrateAccept: begin the
// MigrateStart work in the background so the consumer loop is never
// blocked on a checkpoint dump.
func (c *Coordinator) handleAccept(sender cluster.NodeID, id registry.InstanceID) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && p.role == roleSource && p.peer == sender {
		p.phase = wire.PhaseMigrateStart
	}
	c.mu.Unlock()
	if !ok || p.role != roleSource || p.peer != sender {
		return
	}
	go c.runMigrateStart(id, sender)
}

func (c *Coordinator) runMigrateStart(id registry.InstanceID, target cluster.NodeID) {
	pid, err := c.sup.PID(id)
	if err != nil {
		c.abortSource(id, target, fmt.Sprintf("resolve local pid: %s", err))
		return
	}

	var snapshot checkpoint.OutputSnapshot
	if h, err := c.sup.History(id); err == nil {
		snapshot = h.Snapshot(0)
	}

	name := fmt.Sprintf("migration-%d", time.Now().UnixNano())
	imageDir, err := c.ckpt.CreateCheckpoint(pid, name, id, snapshot)
	if err != nil {
		c.abortSource(id, target, fmt.Sprintf("create migration checkpoint: %s", err))
		return
	}

	meta := checkpoint.MigrationMetadata{InstanceID: id, SourceNode: c.self.String(), RequestedAt: time.Now()}
	if err := c.ckpt.WriteMigrationMetadata(imageDir, meta); err != nil {
		c.abortSource(id, target, fmt.Sprintf("write migration metadata: %s", err))
		return
	}

	if err := c.shd.PushCheckpointTo(id, imageDir, target); err != nil {
		c.abortSource(id, target, fmt.Sprintf("send migration checkpoint: %s", err))
		return
	}
	// Now waiting on MigrationComplete/MigrationFailed from target.
}

func (c *Coordinator) abortSource(id registry.InstanceID, target cluster.NodeID, reason string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.sink.SendTo(target, wire.Migration{InstanceID: id.ToWire(), Phase: wire.PhaseMigrationFailed, Reason: reason})
	c.emit(id, dprocerr.New(dprocerr.MigrationRejected, "%s", reason))
}

func (c *Coordinator) handleReject(sender cluster.NodeID, id registry.InstanceID, reason string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok || p.peer != sender {
		return
	}
	c.emit(id, dprocerr.New(dprocerr.MigrationRejected, "%s", reason))
}

// handleComplete is the source's reaction to MigrationComplete: stop
// the local child, demote the local record to Shadow (spec §4.8's
// cleanup step).
func (c *Coordinator) handleComplete(sender cluster.NodeID, id registry.InstanceID) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok || p.role != roleSource || p.peer != sender {
		return
	}

	if err := c.sup.Stop(id); err != nil {
		c.log.WithError(err).Warnf("stopping local copy of %s after migration", id.Short())
	}
	if err := c.reg.DemoteToShadow(id, sender); err != nil {
		c.log.WithError(err).Warnf("demoting %s to shadow after migration", id.Short())
	}
	c.emit(id, nil)
}

func (c *Coordinator) handleFailed(id registry.InstanceID, reason string) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.emit(id, dprocerr.New(dprocerr.MigrationRejected, "migration failed: %s", reason))
}

// onRestoreTriggered is the target's "(apply)" step: invoked by the
// Shadow Replicator once a materialized checkpoint is found to carry
// migration metadata (the only auto-restore trigger, Open Question
// (c)).
func (c *Coordinator) onRestoreTriggered(id registry.InstanceID, imageDir string, _ checkpoint.MigrationMetadata) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok || p.role != roleTarget {
		c.log.Warnf("migration checkpoint materialized for %s with no pending target migration, ignoring", id.Short())
		return
	}

	name := filepath.Base(imageDir)
	pid, _, err := c.ckpt.RestoreCheckpoint(name, &id)
	if err != nil {
		c.sink.SendTo(p.peer, wire.Migration{InstanceID: id.ToWire(), Phase: wire.PhaseMigrationFailed, Reason: err.Error()})
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.emit(id, err)
		return
	}

	if err := c.reg.PromoteToRunning(id, pid); err != nil {
		c.log.WithError(err).Warnf("promoting %s to Running after restore", id.Short())
	}
	c.sup.RegisterExternal(id, pid, "")

	c.sink.SendTo(p.peer, wire.Migration{InstanceID: id.ToWire(), Phase: wire.PhaseMigrationComplete})

	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.emit(id, nil)
}
