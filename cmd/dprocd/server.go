package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/config"
	"github.com/dproc/dproc/internal/discovery"
	"github.com/dproc/dproc/internal/dispatcher"
	"github.com/dproc/dproc/internal/migration"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/shadow"
	"github.com/dproc/dproc/internal/wire"
)

// daemon holds every long-lived component a running dprocd needs
// after construction, purely so the goroutine methods below don't
// each need their own seven-argument signature.
type daemon struct {
	cfg  config.Config
	log  *logrus.Entry
	self cluster.Info

	mem   *cluster.Membership
	layer *wire.Layer
	reg   *registry.Registry
	shd   *shadow.Replicator
	mig   *migration.Coordinator
	disc  *discovery.Discovery
	disp  *dispatcher.Dispatcher
}

// consumeWire drains the single Inbound channel and routes each frame
// by concrete type to the component that owns its semantics, per spec
// §4.3's "one channel, one dispatch loop" shape.
func (d *daemon) consumeWire(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case in, ok := <-d.layer.Inbound():
			if !ok {
				return
			}
			d.route(in)
		}
	}
}

func (d *daemon) route(in wire.Inbound) {
	switch msg := in.Message.(type) {
	case wire.InstanceSync:
		d.reg.ApplyInstanceSync(msg.Instance)
	case wire.InstanceStop:
		d.reg.ApplyInstanceStop(msg.InstanceID)
	case wire.ShadowSync:
		d.shd.ApplyShadowSync(in.Sender, msg)
	case wire.ShadowInput:
		if err := d.shd.ApplyShadowInput(msg); err != nil {
			d.log.WithError(err).Debug("shadow input forward failed")
		}
	case wire.Migration:
		d.mig.HandleMigration(in.Sender, msg)
	case wire.ClusterSync:
		d.mem.Synchronize(msg.State)
	case wire.Heartbeat:
		d.mem.Touch(in.Sender)
	case wire.Goodbye:
		d.mem.RemoveNode(in.Sender, msg.Reason)
		d.layer.Forget(in.Sender)
	case wire.Discovery:
		d.log.Debug("unexpected post-handshake Discovery frame, ignoring")
	case wire.Request:
		d.log.Debug("on-demand Request/Response queries are not served over this connection")
	case wire.Response, wire.DataStream:
		d.log.Debugf("unhandled wire message type %T", msg)
	default:
		d.log.Warnf("unknown wire message type %T", msg)
	}
}

// consumeDiscovery turns newly-heard-from peers into membership
// entries and opens a wire session to each one, per spec §4.4/§4.3's
// "Discovery feeds Membership feeds Wire" wiring.
func (d *daemon) consumeDiscovery(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case info, ok := <-d.disc.Events():
			if !ok {
				return
			}
			if info.ID == d.self.ID {
				continue
			}
			_, known := d.mem.Snapshot().Nodes[info.ID]
			d.mem.AddNode(info)
			if known {
				continue
			}
			peer := info
			go func() {
				if _, err := d.layer.Dial(peer.Endpoint, knownInfos(d.mem)); err != nil {
					d.log.WithError(err).Debugf("dial to discovered peer %s failed", peer.Name)
				}
			}()
		}
	}
}

// consumeDisconnects marks a peer offline in Membership once its wire
// session drops, and forgets the stale session entry.
func (d *daemon) consumeDisconnects(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case id, ok := <-d.layer.Disconnected():
			if !ok {
				return
			}
			d.mem.UpdateStatus(id, cluster.Offline)
			d.layer.Forget(id)
		}
	}
}

// consumeMembershipEvents logs membership changes; nothing downstream
// currently needs to react to them beyond observability.
func (d *daemon) consumeMembershipEvents(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-d.mem.Events():
			if !ok {
				return
			}
			d.log.WithFields(logrus.Fields{
				"kind": ev.Kind,
				"node": ev.Node.Name,
			}).Debug("membership event")
		}
	}
}

// consumeRegistryEvents drains the Registry's local event channel so it
// never fills up; the Shadow Replicator is wired directly via the
// supervisor OutputSink and EnsureShadow, so this loop exists purely
// for observability.
func (d *daemon) consumeRegistryEvents(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-d.reg.Events():
			if !ok {
				return
			}
			d.log.WithFields(logrus.Fields{
				"kind":     ev.Kind,
				"instance": ev.Instance.ID.Short(),
			}).Debug("registry event")
		}
	}
}

// heartbeatLoop broadcasts a Heartbeat on a fixed tick so peers can
// refresh this node's LastSeen even when nothing else is happening.
func (d *daemon) heartbeatLoop(stop <-chan struct{}) {
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = cluster.DefaultHeartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			d.layer.Broadcast(wire.Heartbeat{NodeID: d.self.ID, At: time.Now()})
		}
	}
}

// repl is the interactive stdin console: every line is one Command,
// dispatched under a single fixed session id (spec §9 notes the HTTP
// surface should mint its own per-request session instead).
func (d *daemon) repl(in io.Reader, out io.Writer) {
	const session = "console"
	fmt.Fprintln(out, "dproc ready, type `help` for the verb table")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		res := d.disp.Execute(dispatcher.Command{SessionID: session, Line: line})
		if res.Message != "" {
			fmt.Fprintln(out, res.Message)
		}
		if res.Output != "" {
			fmt.Fprintln(out, res.Output)
		}
		if res.Exit {
			return
		}
	}
}

// httpServer builds the minimal HTTP surface spec §6 describes: a
// /command endpoint that runs a line through the dispatcher exactly
// like the console, plus a handful of read-only /api/ probes for
// external tooling. A request runs in the dispatcher session named by
// its session_id, or by its remote address when that is empty, so
// callers on separate connections do not share attach/cd state.
func (d *daemon) httpServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		d.handleCommand(w, r)
	})
	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		d.handleCommand(w, r)
	})
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/logs", d.handleLogs)
	mux.HandleFunc("/api/cpu", d.handleProcStat("cpu"))
	mux.HandleFunc("/api/memory", d.handleProcStat("memory"))

	return &http.Server{Addr: addr, Handler: mux}
}

type commandRequest struct {
	SessionID string `json:"session_id"`
	Line      string `json:"line"`
}

type commandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Output  string `json:"output"`
}

func (d *daemon) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	switch r.Header.Get("Content-Type") {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
			return
		}
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read request body", http.StatusBadRequest)
			return
		}
		req.Line = string(body)
	}
	if req.SessionID == "" {
		req.SessionID = r.RemoteAddr
	}

	res := d.disp.Execute(dispatcher.Command{SessionID: req.SessionID, Line: req.Line})

	w.Header().Set("Content-Type", "application/json")
	if !res.Success {
		w.WriteHeader(http.StatusBadRequest)
	}
	json.NewEncoder(w).Encode(commandResponse{Success: res.Success, Message: res.Message, Output: res.Output})
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := d.mem.Snapshot()
	nodes := make([]cluster.Info, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, n)
	}
	instSnap := d.reg.Snapshot()
	instances := make([]registry.Instance, 0, len(instSnap))
	for _, inst := range instSnap {
		instances = append(instances, inst)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"self":      d.self,
		"nodes":     nodes,
		"instances": instances,
	})
}

func (d *daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("instance")
	n := 20
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	res := d.disp.Execute(dispatcher.Command{
		SessionID: "http-" + ref,
		Line:      fmt.Sprintf("logs %s %d", ref, n),
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandResponse{Success: res.Success, Message: res.Message, Output: res.Output})
}

// handleProcStat serves a coarse /proc-derived reading for the
// instance's PID named in ?instance=, matching spec §6's /api/cpu and
// /api/memory surfaces.
func (d *daemon) handleProcStat(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Query().Get("instance")
		id, err := d.reg.Resolve(ref)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		inst, err := d.reg.Get(id)
		if err != nil || inst.LocalPID == nil {
			http.Error(w, "instance has no local process", http.StatusNotFound)
			return
		}

		var path string
		switch kind {
		case "cpu":
			path = fmt.Sprintf("/proc/%d/stat", *inst.LocalPID)
		default:
			path = fmt.Sprintf("/proc/%d/status", *inst.LocalPID)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write(data)
	}
}
