// Package shadow implements the Shadow Replicator (spec §4.7): on the
// primary, pushes versioned output to every peer and packed checkpoint
// images through PushCheckpoint/PushCheckpointTo; on a non-primary,
// applies incoming ShadowSync with
// version-monotonic de-duplication and materializes checkpoint bytes
// onto disk, triggering auto-restore only when the materialized image
// itself carries migration metadata (Open Question (c)).
package shadow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/checkpoint"
	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/wire"
)

// maxOutputBufferBytes caps the rolling output tail kept per shadow
// record (spec §3 ShadowRecord "rolling output buffer").
const maxOutputBufferBytes = 64 * 1024

// Sink is the one-way capability to address peers, satisfied by
// *wire.Layer. Kept narrow per Design Notes §9: the Replicator never
// holds a back-reference to the full Wire layer.
type Sink interface {
	Broadcast(msg wire.Message)
	SendTo(peer cluster.NodeID, msg wire.Message) bool
}

// RegistryView is the slice of Registry the Replicator needs.
type RegistryView interface {
	EnsureShadow(id registry.InstanceID, source cluster.NodeID)
}

// SupervisorView is the slice of Supervisor the Replicator needs to
// deliver ShadowInput on the primary side.
type SupervisorView interface {
	SendInput(id registry.InstanceID, line string) error
}

// RestoreTrigger is invoked when a materialized checkpoint carries
// migration metadata — the Migration Coordinator wires itself in here
// (spec §4.8's "apply" phase).
type RestoreTrigger func(id registry.InstanceID, imageDir string, meta checkpoint.MigrationMetadata)

// Record is the local view of one remote instance's shadow state.
type Record struct {
	InstanceID registry.InstanceID
	Source     cluster.NodeID
	Version    uint64
	Output     []byte
	LastSync   time.Time
}

// Replicator is the Shadow Replicator component, both roles.
type Replicator struct {
	self          cluster.NodeID
	sink          Sink
	reg           RegistryView
	sup           SupervisorView
	instancesRoot string
	log           *logrus.Entry

	versionCounter uint64

	mu      sync.Mutex
	records map[registry.InstanceID]*Record

	onMigrationCheckpoint RestoreTrigger
}

// New constructs a Replicator rooted at instancesRoot for persisted
// sync checkpoints.
func New(self cluster.NodeID, sink Sink, reg RegistryView, sup SupervisorView, instancesRoot string, log *logrus.Entry) *Replicator {
	return &Replicator{
		self:          self,
		sink:          sink,
		reg:           reg,
		sup:           sup,
		instancesRoot: instancesRoot,
		log:           log,
		records:       make(map[registry.InstanceID]*Record),
	}
}

// OnRestoreTrigger wires the callback invoked when an applied
// checkpoint carries migration metadata. Left unset in tests that
// don't exercise migration.
func (r *Replicator) OnRestoreTrigger(fn RestoreTrigger) { r.onMigrationCheckpoint = fn }

func (r *Replicator) nextVersion() uint64 { return atomic.AddUint64(&r.versionCounter, 1) }

// OnOutput implements supervisor.OutputSink: every line a locally
// supervised (hence locally primary) child emits is pushed to all
// peers as an incremental ShadowSync.
func (r *Replicator) OnOutput(id registry.InstanceID, stream, text string) {
	data := []byte(stream + ": " + text)
	r.sink.Broadcast(wire.ShadowSync{
		InstanceID: id.ToWire(),
		Version:    r.nextVersion(),
		OutputData: data,
	})
}

// PushCheckpoint reads imageDir, packs it, and broadcasts it as one
// ShadowSync carrying checkpoint_data. Nothing in the daemon calls it:
// the dispatcher's `checkpoint` verb does not broadcast the image it
// creates, and the Migration Coordinator's MigrateStart step sends its
// image to the target alone through PushCheckpointTo.
func (r *Replicator) PushCheckpoint(id registry.InstanceID, imageDir string) error {
	data, err := PackImage(imageDir)
	if err != nil {
		return fmt.Errorf("pack checkpoint image %s: %w", imageDir, err)
	}
	r.sink.Broadcast(wire.ShadowSync{
		InstanceID:     id.ToWire(),
		Version:        r.nextVersion(),
		CheckpointData: data,
	})
	return nil
}

// PushCheckpointTo is PushCheckpoint's targeted variant: it sends the
// packed image to a single peer rather than broadcasting, for the
// Migration Coordinator's MigrateStart step (spec §4.8), which must
// reach only the migration target T.
func (r *Replicator) PushCheckpointTo(id registry.InstanceID, imageDir string, peer cluster.NodeID) error {
	data, err := PackImage(imageDir)
	if err != nil {
		return fmt.Errorf("pack checkpoint image %s: %w", imageDir, err)
	}
	if !r.sink.SendTo(peer, wire.ShadowSync{
		InstanceID:     id.ToWire(),
		Version:        r.nextVersion(),
		CheckpointData: data,
	}) {
		return fmt.Errorf("send migration checkpoint to %s: peer unreachable", peer)
	}
	return nil
}

// ApplyShadowSync handles an inbound ShadowSync on a non-primary node
// (spec §4.7 steps 1-3).
func (r *Replicator) ApplyShadowSync(sender cluster.NodeID, msg wire.ShadowSync) {
	id := registry.InstanceIDFromWire(msg.InstanceID)

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		rec = &Record{InstanceID: id, Source: sender}
		r.records[id] = rec
		r.reg.EnsureShadow(id, sender)
	}
	if msg.Version <= rec.Version {
		r.mu.Unlock()
		return // de-duplicates retransmissions/reorderings
	}
	rec.Version = msg.Version
	rec.LastSync = time.Now()
	if len(msg.OutputData) > 0 {
		rec.Output = append(rec.Output, msg.OutputData...)
		if over := len(rec.Output) - maxOutputBufferBytes; over > 0 {
			rec.Output = rec.Output[over:]
		}
	}
	var imageDir string
	if len(msg.CheckpointData) > 0 {
		dir, err := r.materializeCheckpoint(id, msg.CheckpointData)
		if err != nil {
			r.log.WithError(err).Warnf("materializing synced checkpoint for %s failed", id.Short())
		} else {
			imageDir = dir
		}
	}
	r.mu.Unlock()

	if imageDir == "" || r.onMigrationCheckpoint == nil {
		return
	}
	if meta, found := checkpoint.ReadMigrationMetadata(imageDir); found {
		r.onMigrationCheckpoint(id, imageDir, meta)
	}
}

func (r *Replicator) materializeCheckpoint(id registry.InstanceID, data []byte) (string, error) {
	dir := filepath.Join(r.instancesRoot, "instance_"+id.Short(), "checkpoints", fmt.Sprintf("sync-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := UnpackImage(data, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// ForwardInput wraps input typed against a locally attached shadow and
// sends it to the primary (spec §4.7 "Input forwarding").
func (r *Replicator) ForwardInput(id registry.InstanceID, primary cluster.NodeID, line string) bool {
	return r.sink.SendTo(primary, wire.ShadowInput{
		TargetNode: primary,
		InstanceID: id.ToWire(),
		Bytes:      []byte(line),
	})
}

// ApplyShadowInput is called on the primary when a ShadowInput frame
// arrives; it writes the bytes to the local child via Supervisor.
func (r *Replicator) ApplyShadowInput(msg wire.ShadowInput) error {
	return r.sup.SendInput(registry.InstanceIDFromWire(msg.InstanceID), string(msg.Bytes))
}

// View returns a copy of the current shadow record for id, if any —
// backs the `shadow-view` dispatcher verb.
func (r *Replicator) View(id registry.InstanceID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Purge drops a shadow record. Neither the InstanceStop handler nor
// the promote-to-primary path calls it, so a record otherwise stays
// until the daemon exits.
func (r *Replicator) Purge(id registry.InstanceID) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}
