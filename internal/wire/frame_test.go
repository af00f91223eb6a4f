package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dproc/dproc/internal/cluster"
)

// Invariant 2: decode(encode(m)) == m, for every message variant.
func TestFrameRoundTrip(t *testing.T) {
	node := cluster.NewNodeID()
	iid := InstanceID{1, 2, 3}
	now := time.Now().Truncate(time.Second) // gob round-trips monotonic-stripped time

	cases := []Message{
		Discovery{NodeID: node, Self: cluster.Info{ID: node, Name: "n1"}, Known: []cluster.Info{{ID: node}}},
		ClusterSync{State: cluster.State{ClusterID: "c1", Nodes: map[cluster.NodeID]cluster.Info{node: {ID: node}}}},
		Request{ID: "r1", Kind: "status", Body: []byte("hi")},
		Response{ID: "r1", Kind: "status", Body: []byte("ok")},
		Heartbeat{NodeID: node, At: now},
		Goodbye{NodeID: node, Reason: "shutdown"},
		InstanceSync{Instance: InstanceSnapshot{ID: iid, Program: "/bin/echo", Argv: []string{"hi"}, Status: "Running", CreatedAt: now}},
		InstanceStop{InstanceID: iid},
		ShadowSync{InstanceID: iid, Version: 3, OutputData: []byte("line\n")},
		ShadowInput{TargetNode: node, InstanceID: iid, Bytes: []byte("input\n")},
		Migration{InstanceID: iid, Phase: PhaseMigrateRequest, Reason: ""},
		DataStream{InstanceID: iid, Stream: "Checkpoint", Sequence: 1, Data: []byte{1, 2, 3}, Last: true},
	}

	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, m))
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}
