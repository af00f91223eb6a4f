package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsWhenNoFlags(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.ClusterID)
	assert.Equal(t, 8081, cfg.UDPPort)
	assert.NoError(t, cfg.Validate())
}

func TestParseOverridesFromFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--node-name=node-a",
		"--data-dir=/tmp/dproc-data",
		"--discovery-port=19090",
		"--checkpoint-tool=/usr/bin/criu",
		"--checkpoint-sudo",
		"--peer=10.0.0.1:7070",
		"--peer=10.0.0.2:7070",
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.NodeName)
	assert.Equal(t, "/tmp/dproc-data", cfg.DataDir)
	assert.Equal(t, 19090, cfg.UDPPort)
	assert.Equal(t, "/usr/bin/criu", cfg.CheckpointToolPath)
	assert.True(t, cfg.CheckpointSudo)
	assert.Equal(t, []string{"10.0.0.1:7070", "10.0.0.2:7070"}, cfg.KnownPeers)
}

func TestEnvOverridesWinOverFlags(t *testing.T) {
	t.Setenv("DPROC_NODE_NAME", "from-env")
	t.Setenv("DPROC_DISCOVERY_PORT", "12345")

	cfg, err := Parse([]string{"--node-name=from-flag", "--discovery-port=1"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeName)
	assert.Equal(t, 12345, cfg.UDPPort)
}

func TestValidateRejectsBadDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.UDPPort = 70000
	assert.Error(t, cfg.Validate())
}

func TestCheckpointOptionsProjection(t *testing.T) {
	cfg := Default()
	cfg.CheckpointToolPath = "/bin/dump-tool"
	cfg.CheckpointSudo = true
	cfg.PidfilePollTime = 9 * time.Second

	opts := cfg.CheckpointOptions()
	assert.Equal(t, "/bin/dump-tool", opts.ToolPath)
	assert.True(t, opts.Sudo)
	assert.Equal(t, 9*time.Second, opts.PidfilePollTime)
}
