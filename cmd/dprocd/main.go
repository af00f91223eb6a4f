// Command dprocd is the distributed process supervisor daemon: one
// instance runs per cluster node, wiring together the Registry, the
// Supervisor, the Checkpoint Adapter, the Shadow Replicator, the
// Migration Coordinator, cluster Membership, peer Discovery, and the
// Wire transport, then exposes them through a stdin REPL and an
// optional HTTP surface, both driven by the Command Dispatcher.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dproc/dproc/internal/checkpoint"
	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/config"
	"github.com/dproc/dproc/internal/discovery"
	"github.com/dproc/dproc/internal/dispatcher"
	"github.com/dproc/dproc/internal/migration"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/shadow"
	"github.com/dproc/dproc/internal/supervisor"
	"github.com/dproc/dproc/internal/wire"
)

// outputSinkProxy breaks the Supervisor/Shadow construction cycle: the
// Supervisor needs an OutputSink at construction time, but the Shadow
// Replicator (the real sink) needs the already-constructed Supervisor
// as its SupervisorView. The proxy is handed to Supervisor.New first
// and pointed at the real Replicator once it exists.
type outputSinkProxy struct {
	target supervisor.OutputSink
}

func (p *outputSinkProxy) OnOutput(id registry.InstanceID, stream, text string) {
	if p.target != nil {
		p.target.OnOutput(id, stream, text)
	}
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "dprocd: invalid configuration:", err)
		os.Exit(2)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("node", cfg.NodeName)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		entry.WithError(err).Fatal("cannot create data directory")
	}

	self := cluster.Info{
		ID:       cluster.NewNodeID(),
		Name:     cfg.NodeName,
		Endpoint: cfg.TCPListenAddr,
		Version:  "dproc/dev",
		JoinedAt: time.Now(),
		LastSeen: time.Now(),
		Status:   cluster.Online,
	}
	entry = entry.WithField("node_id", self.ID.String())
	entry.Info("starting dproc daemon")

	mem := cluster.New(self, cfg.ClusterID, entry.WithField("component", "membership"))
	wireLog := entry.WithField("component", "wire")
	layer := wire.NewLayer(self, wireLog)

	reg := registry.New(self.ID, layer, entry.WithField("component", "registry"))

	sinkProxy := &outputSinkProxy{}
	sup := supervisor.New(sinkProxy, entry.WithField("component", "supervisor"))
	sup.OnExit(func(id registry.InstanceID, exitErr error) {
		status := registry.Stopped
		if exitErr != nil {
			status = registry.Failed
		}
		_ = reg.UpdateStatus(id, status)
	})

	ckpt := checkpoint.New(cfg.DataDir, cfg.CheckpointOptions(), entry.WithField("component", "checkpoint"))

	shd := shadow.New(self.ID, layer, reg, sup, cfg.DataDir, entry.WithField("component", "shadow"))
	sinkProxy.target = shd

	mig := migration.New(self.ID, layer, reg, shd, ckpt, sup, entry.WithField("component", "migration"))

	disc, err := discovery.New(self, cfg.UDPPort, entry.WithField("component", "discovery"))
	if err != nil {
		entry.WithError(err).Fatal("cannot start discovery")
	}
	defer disc.Close()

	disp := dispatcher.New(reg, sup, ckpt, mem, layer, shd, mig, cfg.DataDir, ".")

	d := &daemon{
		cfg: cfg, log: entry, self: self,
		mem: mem, layer: layer, reg: reg, shd: shd, mig: mig, disc: disc, disp: disp,
	}

	stop := make(chan struct{})
	var eg errgroup.Group

	if err := layer.Listen(cfg.TCPListenAddr, knownInfos(mem)); err != nil {
		entry.WithError(err).Fatal("cannot listen for peers")
	}

	eg.Go(func() error { disc.Run(stop); return nil })
	eg.Go(func() error { disc.RunAnnounceLoop(stop, cfg.AnnounceInterval); return nil })
	eg.Go(func() error { mem.RunLivenessSweeper(stop, time.Minute, cfg.LivenessTimeout); return nil })
	eg.Go(func() error { d.heartbeatLoop(stop); return nil })
	eg.Go(func() error { d.consumeWire(stop); return nil })
	eg.Go(func() error { d.consumeDiscovery(stop); return nil })
	eg.Go(func() error { d.consumeDisconnects(stop); return nil })
	eg.Go(func() error { d.consumeMembershipEvents(stop); return nil })
	eg.Go(func() error { d.consumeRegistryEvents(stop); return nil })

	for _, peer := range cfg.KnownPeers {
		peer := peer
		eg.Go(func() error {
			if _, err := layer.Dial(peer, knownInfos(mem)); err != nil {
				entry.WithError(err).Warnf("initial dial to seed peer %s failed", peer)
			}
			return nil
		})
	}

	if cfg.HTTPAddr != "" {
		srv := d.httpServer(cfg.HTTPAddr)
		eg.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
				entry.WithError(err).Error("http server exited")
			}
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutdown signal received")
		layer.Shutdown("node shutting down")
		close(stop)
		os.Exit(0)
	}()

	d.repl(os.Stdin, os.Stdout)
}

func knownInfos(mem *cluster.Membership) []cluster.Info {
	snap := mem.Snapshot()
	out := make([]cluster.Info, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		out = append(out, n)
	}
	return out
}
