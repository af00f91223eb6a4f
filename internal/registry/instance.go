// Package registry holds the cluster-wide InstanceId -> Instance map:
// mutation API, InstanceSync merge, and the migration role-flip rule.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/wire"
)

// InstanceID is a 128-bit identifier; its short form (first 8 hex
// chars) is user-visible.
type InstanceID [16]byte

// NewInstanceID generates a fresh InstanceID.
func NewInstanceID() InstanceID { return InstanceID(uuid.New()) }

func (id InstanceID) String() string { return uuid.UUID(id).String() }

// Short returns the user-visible 8 hex char prefix.
func (id InstanceID) Short() string { return id.String()[:8] }

func (id InstanceID) toWire() wire.InstanceID { return wire.InstanceID(id) }

func fromWire(id wire.InstanceID) InstanceID { return InstanceID(id) }

// ToWire exposes the wire-shaped id for packages outside registry
// (e.g. internal/shadow, internal/migration) that need to address
// ShadowSync/ShadowInput/DataStream frames by InstanceID without
// importing the full Instance/Registry surface.
func (id InstanceID) ToWire() wire.InstanceID { return id.toWire() }

// InstanceIDFromWire is ToWire's inverse for the same callers.
func InstanceIDFromWire(id wire.InstanceID) InstanceID { return fromWire(id) }

// StartMode controls how Process Supervisor spawns the child.
type StartMode string

const (
	Normal   StartMode = "Normal"
	Detached StartMode = "Detached"
)

// Status is an instance's lifecycle state.
type Status string

const (
	Starting Status = "Starting"
	Running  Status = "Running"
	Paused   Status = "Paused"
	Stopped  Status = "Stopped"
	Failed   Status = "Failed"
	Shadow   Status = "Shadow"
)

// CheckpointInfo describes one on-disk checkpoint image.
type CheckpointInfo struct {
	Name       string
	CreatedAt  time.Time
	ImageDir   string
	InstanceID InstanceID
}

// Instance is the authoritative record for one managed process.
type Instance struct {
	ID           InstanceID
	Program      string
	Argv         []string
	Dir          string
	StartMode    StartMode
	Status       Status
	PrimaryNode  cluster.NodeID
	ShadowSource *cluster.NodeID // set iff Status == Shadow
	LocalPID     *int
	CreatedAt    time.Time
	Checkpoints  map[string]CheckpointInfo
}

// Clone deep-copies fields mutable through pointers/maps/slices.
func (in Instance) Clone() Instance {
	out := in
	if in.ShadowSource != nil {
		v := *in.ShadowSource
		out.ShadowSource = &v
	}
	if in.LocalPID != nil {
		v := *in.LocalPID
		out.LocalPID = &v
	}
	out.Argv = append([]string(nil), in.Argv...)
	out.Checkpoints = make(map[string]CheckpointInfo, len(in.Checkpoints))
	for k, v := range in.Checkpoints {
		out.Checkpoints[k] = v
	}
	return out
}

// Validate enforces the spec §3 invariants.
func (in Instance) Validate() error {
	if in.Status == Running && in.ShadowSource != nil {
		return errInvariant("Running instance must not carry a shadow-source")
	}
	if in.Status == Shadow {
		if in.ShadowSource == nil {
			return errInvariant("Shadow instance must carry a shadow-source")
		}
		if in.LocalPID != nil {
			return errInvariant("Shadow instance must not carry a local PID")
		}
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

func (in Instance) toWire() wire.InstanceSnapshot {
	var argv []string
	argv = append(argv, in.Argv...)
	return wire.InstanceSnapshot{
		ID:           in.ID.toWire(),
		Program:      in.Program,
		Argv:         argv,
		Dir:          in.Dir,
		StartMode:    string(in.StartMode),
		Status:       string(in.Status),
		PrimaryNode:  in.PrimaryNode,
		ShadowSource: in.ShadowSource,
		LocalPID:     in.LocalPID,
		CreatedAt:    in.CreatedAt,
	}
}

func fromWireSnapshot(s wire.InstanceSnapshot) Instance {
	return Instance{
		ID:           fromWire(s.ID),
		Program:      s.Program,
		Argv:         append([]string(nil), s.Argv...),
		Dir:          s.Dir,
		StartMode:    StartMode(s.StartMode),
		Status:       Status(s.Status),
		PrimaryNode:  s.PrimaryNode,
		ShadowSource: s.ShadowSource,
		LocalPID:     s.LocalPID,
		CreatedAt:    s.CreatedAt,
		Checkpoints:  make(map[string]CheckpointInfo),
	}
}
