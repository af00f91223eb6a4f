// Package integration runs the scenarios from spec.md §8 end to end,
// against real OS pipes, real loopback TCP/UDP sockets, and a fake
// checkpoint-tool script standing in for criu — never mocking the
// components under test themselves.
package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dproc/dproc/internal/checkpoint"
	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/dispatcher"
	"github.com/dproc/dproc/internal/migration"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/shadow"
	"github.com/dproc/dproc/internal/supervisor"
	"github.com/dproc/dproc/internal/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// node bundles one dproc node's full component graph, wired the same
// way cmd/dprocd's main() wires them, minus discovery/HTTP/REPL.
type node struct {
	self  cluster.Info
	mem   *cluster.Membership
	layer *wire.Layer
	reg   *registry.Registry
	sup   *supervisor.Supervisor
	ckpt  *checkpoint.Adapter
	shd   *shadow.Replicator
	mig   *migration.Coordinator
	disp  *dispatcher.Dispatcher

	dataDir string
	stop    chan struct{}
}

type sinkProxy struct{ target supervisor.OutputSink }

func (p *sinkProxy) OnOutput(id registry.InstanceID, stream, text string) {
	if p.target != nil {
		p.target.OnOutput(id, stream, text)
	}
}

// newNode builds one fully-wired node listening on addr ("127.0.0.1:0"
// picks an ephemeral port; callers needing to Dial in must bind an
// explicit port instead).
func newNode(t *testing.T, name, addr, toolPath string) *node {
	t.Helper()
	dataDir := t.TempDir()

	self := cluster.Info{ID: cluster.NewNodeID(), Name: name, Endpoint: addr}
	log := discardLog()

	mem := cluster.New(self, "test-cluster", log)
	layer := wire.NewLayer(self, log)
	reg := registry.New(self.ID, layer, log)

	proxy := &sinkProxy{}
	sup := supervisor.New(proxy, log)
	sup.OnExit(func(id registry.InstanceID, exitErr error) {
		status := registry.Stopped
		if exitErr != nil {
			status = registry.Failed
		}
		_ = reg.UpdateStatus(id, status)
	})
	ckpt := checkpoint.New(dataDir, checkpoint.Options{ToolPath: toolPath}, log)
	shd := shadow.New(self.ID, layer, reg, sup, dataDir, log)
	proxy.target = shd
	mig := migration.New(self.ID, layer, reg, shd, ckpt, sup, log)
	disp := dispatcher.New(reg, sup, ckpt, mem, layer, shd, mig, dataDir, ".")

	require.NoError(t, layer.Listen(addr, nil))

	n := &node{
		self: self, mem: mem, layer: layer, reg: reg, sup: sup, ckpt: ckpt,
		shd: shd, mig: mig, disp: disp, dataDir: dataDir, stop: make(chan struct{}),
	}
	t.Cleanup(func() { close(n.stop); layer.Shutdown("test teardown") })
	return n
}

// pump drains the node's wire Inbound/Disconnected channels the same
// way cmd/dprocd's consumer-loop goroutines do, routing by concrete
// message type.
func (n *node) pump(t *testing.T) {
	t.Helper()
	go func() {
		for {
			select {
			case <-n.stop:
				return
			case in, ok := <-n.layer.Inbound():
				if !ok {
					return
				}
				switch msg := in.Message.(type) {
				case wire.InstanceSync:
					n.reg.ApplyInstanceSync(msg.Instance)
				case wire.InstanceStop:
					n.reg.ApplyInstanceStop(msg.InstanceID)
				case wire.ShadowSync:
					n.shd.ApplyShadowSync(in.Sender, msg)
				case wire.ShadowInput:
					_ = n.shd.ApplyShadowInput(msg)
				case wire.Migration:
					n.mig.HandleMigration(in.Sender, msg)
				case wire.ClusterSync:
					n.mem.Synchronize(msg.State)
				case wire.Heartbeat:
					n.mem.Touch(in.Sender)
				case wire.Goodbye:
					n.mem.RemoveNode(in.Sender, msg.Reason)
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-n.stop:
				return
			case id, ok := <-n.layer.Disconnected():
				if !ok {
					return
				}
				n.mem.UpdateStatus(id, cluster.Offline)
				n.layer.Forget(id)
			}
		}
	}()
}

func (n *node) exec(t *testing.T, session, line string) dispatcher.Result {
	t.Helper()
	return n.disp.Execute(dispatcher.Command{SessionID: session, Line: line})
}

// fakeCheckpointTool writes a tiny shell script that stands in for the
// real dump/restore binary: it records its argv and, for a restore
// invocation, writes the --pidfile with a canned PID. Mirrors the
// Checkpoint Adapter's own test fixture.
func fakeCheckpointTool(t *testing.T, pidToReport int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tool.sh")
	script := fmt.Sprintf(`#!/bin/sh
prev=""
for arg in "$@"; do
  if [ "$prev" = "--pidfile" ]; then
    echo %d > "$arg"
  fi
  prev="$arg"
done
exit 0
`, pidToReport)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
