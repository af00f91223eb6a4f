package integration

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2CheckpointRestoreRoundTrip exercises spec.md §8 E2: start a
// long-lived process, checkpoint it, stop it, restore it, and confirm
// the output history captured at checkpoint time survived the round
// trip.
func TestE2CheckpointRestoreRoundTrip(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("checkpoint tty/fd inspection requires /proc")
	}
	tool := fakeCheckpointTool(t, 42424)
	n := newNode(t, "n1", "127.0.0.1:0", tool)

	// yes(1) needs no arguments that would trip up the dispatcher's
	// whitespace-delimited argv parsing, and emits fast enough for a
	// short test to observe plenty of output before checkpointing.
	res := n.exec(t, "console", "start yes")
	require.True(t, res.Success, res.Message)
	id := strings.Fields(res.Message)[1]

	require.Eventually(t, func() bool {
		logsRes := n.exec(t, "console", "logs "+id)
		return strings.Contains(logsRes.Output, "y")
	}, 2*time.Second, 20*time.Millisecond)

	cpRes := n.exec(t, "console", "checkpoint "+id+" c1")
	require.True(t, cpRes.Success, cpRes.Message)

	stopRes := n.exec(t, "console", "stop "+id)
	require.True(t, stopRes.Success, stopRes.Message)

	restoreRes := n.exec(t, "console", "restore "+id+" c1")
	require.True(t, restoreRes.Success, restoreRes.Message)
	assert.Contains(t, restoreRes.Message, "42424")

	logsRes := n.exec(t, "console", "logs "+id)
	assert.True(t, logsRes.Success)
	assert.Contains(t, logsRes.Output, "y")
}
