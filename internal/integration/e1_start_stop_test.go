package integration

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE1StartStop exercises spec.md §8 E1: start a short-lived
// process, see it listed while it runs, watch it run to completion, and
// confirm that stop fails and logs are still served after exit.
func TestE1StartStop(t *testing.T) {
	n := newNode(t, "n1", "127.0.0.1:0", "/bin/true")

	res := n.exec(t, "console", "start /bin/echo hi")
	require.True(t, res.Success, res.Message)
	require.Contains(t, res.Message, "started")
	id := strings.Fields(res.Message)[1]

	listRes := n.exec(t, "console", "list")
	assert.Contains(t, listRes.Output, id)

	// Give the child time to run to completion and for its output pump
	// goroutines to drain stdout into history.
	require.Eventually(t, func() bool {
		logsRes := n.exec(t, "console", "logs "+id)
		return strings.Contains(logsRes.Output, "[STDOUT] hi")
	}, 2*time.Second, 20*time.Millisecond)

	// The child has already exited by now; stop must fail rather than
	// silently succeed.
	stopRes := n.exec(t, "console", "stop "+id)
	assert.False(t, stopRes.Success)

	// Logs captured before exit must still be retrievable afterward.
	logsRes := n.exec(t, "console", "logs "+id)
	assert.True(t, logsRes.Success)
	assert.Contains(t, logsRes.Output, "[STDOUT] hi")
}
