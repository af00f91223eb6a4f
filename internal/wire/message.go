// Package wire implements the TCP peer-session transport: length
// prefixed, gob-encoded typed frames, the Discovery handshake, and
// per-peer send queues with best-effort broadcast fan-out.
package wire

import (
	"encoding/gob"
	"time"

	"github.com/dproc/dproc/internal/cluster"
)

// Message is the closed set of frame payloads carried over a peer
// session, per spec §4.3.
type Message interface {
	messageTag() string
}

func init() {
	gob.Register(Discovery{})
	gob.Register(ClusterSync{})
	gob.Register(Request{})
	gob.Register(Response{})
	gob.Register(Heartbeat{})
	gob.Register(Goodbye{})
	gob.Register(InstanceSync{})
	gob.Register(InstanceStop{})
	gob.Register(ShadowSync{})
	gob.Register(ShadowInput{})
	gob.Register(Migration{})
	gob.Register(DataStream{})
}

// Discovery is exchanged exactly once in each direction on connect.
type Discovery struct {
	NodeID   cluster.NodeID
	Self     cluster.Info
	Known    []cluster.Info
}

func (Discovery) messageTag() string { return "Discovery" }

// ClusterSync carries a full membership snapshot for synchronize().
type ClusterSync struct {
	State cluster.State
}

func (ClusterSync) messageTag() string { return "ClusterSync" }

// RequestKind names the verb of a Request/Response pair, the
// query-style messages beside the push-style messages below. No
// component sends Request or Response; receivers drop them.
type RequestKind string

type Request struct {
	ID   string
	Kind RequestKind
	Body []byte
}

func (Request) messageTag() string { return "Request" }

type Response struct {
	ID      string
	Kind    RequestKind
	Body    []byte
	Err     string
}

func (Response) messageTag() string { return "Response" }

// Heartbeat refreshes LastSeen on the receiving side.
type Heartbeat struct {
	NodeID cluster.NodeID
	At     time.Time
}

func (Heartbeat) messageTag() string { return "Heartbeat" }

// Goodbye is sent best-effort on graceful shutdown.
type Goodbye struct {
	NodeID cluster.NodeID
	Reason string
}

func (Goodbye) messageTag() string { return "Goodbye" }

// InstanceSync carries one instance's authoritative record to peers.
type InstanceSync struct {
	Instance InstanceSnapshot
}

func (InstanceSync) messageTag() string { return "InstanceSync" }

// InstanceStop announces that an instance was removed on its primary.
type InstanceStop struct {
	InstanceID InstanceID
}

func (InstanceStop) messageTag() string { return "InstanceStop" }

// ShadowSync carries incremental output and/or a checkpoint snapshot
// from a primary to all shadows. Version is monotonically increasing
// per instance.
type ShadowSync struct {
	InstanceID     InstanceID
	Version        uint64
	OutputData     []byte
	CheckpointData []byte // gzip-packed image, per §6; empty when absent
}

func (ShadowSync) messageTag() string { return "ShadowSync" }

// ShadowInput forwards input typed against a shadow to its primary.
type ShadowInput struct {
	TargetNode cluster.NodeID
	InstanceID InstanceID
	Bytes      []byte
}

func (ShadowInput) messageTag() string { return "ShadowInput" }

// MigrationPhase enumerates the migration handshake's phases (§4.8).
type MigrationPhase string

const (
	PhaseMigrateRequest   MigrationPhase = "MigrateRequest"
	PhaseMigrateAccept    MigrationPhase = "MigrateAccept"
	PhaseMigrateReject    MigrationPhase = "MigrateReject"
	PhaseMigrateStart     MigrationPhase = "MigrateStart"
	PhaseMigrationComplete MigrationPhase = "MigrationComplete"
	PhaseMigrationFailed  MigrationPhase = "MigrationFailed"
)

// Migration carries one phase transition of the migration protocol.
type Migration struct {
	InstanceID InstanceID
	Phase      MigrationPhase
	Reason     string
}

func (Migration) messageTag() string { return "Migration" }

// DataStream is a frame for chunked checkpoint image bytes. The
// migration coordinator does not send it: the packed image reaches the
// target as one ShadowSync, and receivers drop DataStream frames.
type DataStream struct {
	InstanceID InstanceID
	Stream     string // "Checkpoint"
	Sequence   int
	Data       []byte
	Last       bool
}

func (DataStream) messageTag() string { return "DataStream" }

// InstanceID mirrors registry.InstanceID's wire shape without an
// import cycle; registry.InstanceID converts to/from it.
type InstanceID [16]byte

// InstanceSnapshot is the wire-shaped mirror of registry.Instance,
// avoiding an import cycle between wire and registry.
type InstanceSnapshot struct {
	ID            InstanceID
	Program       string
	Argv          []string
	Dir           string
	StartMode     string
	Status        string
	PrimaryNode   cluster.NodeID
	ShadowSource  *cluster.NodeID
	LocalPID      *int
	CreatedAt     time.Time
}
