// Package dispatcher implements the Command Dispatcher (spec §4.9): it
// parses a line into a verb and arguments, resolves instance
// references (full id or unique short prefix), and invokes the local
// Supervisor/Registry/Checkpoint Adapter/Migration Coordinator/Shadow
// Replicator. Execute is the entry point a REPL or HTTP handler calls;
// the REPL and HTTP surfaces themselves live in cmd/dprocd.
package dispatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dproc/dproc/internal/checkpoint"
	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/shadow"
	"github.com/dproc/dproc/internal/supervisor"
)

// RegistryView is the slice of Registry the dispatcher drives directly.
type RegistryView interface {
	Get(id registry.InstanceID) (registry.Instance, error)
	Resolve(ref string) (registry.InstanceID, error)
	Snapshot() map[registry.InstanceID]registry.Instance
	Register(in registry.Instance)
	UpdateStatus(id registry.InstanceID, status registry.Status) error
	SetCheckpoint(id registry.InstanceID, cp registry.CheckpointInfo) error
	SetLocalPID(id registry.InstanceID, pid *int) error
	Remove(id registry.InstanceID)
}

// SupervisorView is the slice of Supervisor the dispatcher drives
// directly.
type SupervisorView interface {
	Spawn(id registry.InstanceID, instanceDir, program string, argv []string, cwd string, mode registry.StartMode) (int, error)
	Stop(id registry.InstanceID) error
	Pause(id registry.InstanceID) error
	Resume(id registry.InstanceID) error
	SendInput(id registry.InstanceID, line string) error
	History(id registry.InstanceID) (*supervisor.History, error)
	PID(id registry.InstanceID) (int, error)
	RegisterExternal(id registry.InstanceID, pid int, logPath string)
}

// CheckpointAdapter is the slice of the Checkpoint Adapter the
// dispatcher drives directly.
type CheckpointAdapter interface {
	CreateCheckpoint(pid int, name string, id registry.InstanceID, snapshot checkpoint.OutputSnapshot) (string, error)
	RestoreCheckpoint(name string, id *registry.InstanceID) (int, checkpoint.OutputSnapshot, error)
}

// MembershipView is the slice of Membership the `cluster` verb family
// needs.
type MembershipView interface {
	Snapshot() cluster.State
	Self() cluster.Info
	RemoveNode(id cluster.NodeID, reason string)
}

// Dialer opens an outbound peer connection, for `cluster connect`.
type Dialer interface {
	Dial(endpoint string, known []cluster.Info) (cluster.NodeID, error)
}

// ShadowView backs the `shadow-view` verb.
type ShadowView interface {
	View(id registry.InstanceID) (shadow.Record, bool)
}

// MigrationStarter backs the `migrate` verb. Kept narrow — the
// dispatcher never needs the rest of the Migration Coordinator's
// surface (Design Notes §9).
type MigrationStarter interface {
	StartMigration(id registry.InstanceID, target cluster.NodeID) error
}

// Session is per-caller UI state: the attached instance and working
// directory. Owned by the Dispatcher as one entry per session id, not
// a process-wide singleton (Design Notes §9) — the interactive REPL
// uses one fixed session id; an HTTP handler should mint one per
// connection or accept it from the caller.
type Session struct {
	mu       sync.Mutex
	attached *registry.InstanceID
	cwd      string
}

// Command is one parsed request to Execute.
type Command struct {
	SessionID string
	Line      string
}

// Result is what every verb returns: Success/Message mirror the HTTP
// JSON envelope `{success, message, output}` from spec §6; Output
// carries multi-line detail (list tables, log tails) kept separate
// from the one-line Message so callers can render them differently.
// Exit is set only by the `exit` verb.
type Result struct {
	Success bool
	Message string
	Output  string
	Exit    bool
}

func ok(msg string) Result            { return Result{Success: true, Message: msg} }
func okOut(msg, out string) Result    { return Result{Success: true, Message: msg, Output: out} }
func fail(err error) Result           { return Result{Success: false, Message: err.Error()} }
func failMsg(format string, a ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, a...)}
}

// Dispatcher wires every component the CLI verb table touches.
type Dispatcher struct {
	reg  RegistryView
	sup  SupervisorView
	ckpt CheckpointAdapter
	mem  MembershipView
	dial Dialer
	shd  ShadowView
	mig  MigrationStarter

	instancesRoot string
	defaultCwd    string

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Dispatcher. defaultCwd seeds every new session's
// working directory.
func New(reg RegistryView, sup SupervisorView, ckpt CheckpointAdapter, mem MembershipView, dial Dialer, shd ShadowView, mig MigrationStarter, instancesRoot, defaultCwd string) *Dispatcher {
	return &Dispatcher{
		reg: reg, sup: sup, ckpt: ckpt, mem: mem, dial: dial, shd: shd, mig: mig,
		instancesRoot: instancesRoot,
		defaultCwd:    defaultCwd,
		sessions:      make(map[string]*Session),
	}
}

func (d *Dispatcher) session(id string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		s = &Session{cwd: d.defaultCwd}
		d.sessions[id] = s
	}
	return s
}

// Execute parses and runs one command line.
func (d *Dispatcher) Execute(cmd Command) Result {
	fields := strings.Fields(cmd.Line)
	if len(fields) == 0 {
		return failMsg("empty command")
	}
	verb, args := fields[0], fields[1:]
	sess := d.session(cmd.SessionID)

	switch verb {
	case "start":
		return d.start(sess, args, registry.Normal)
	case "start-detached", "startd":
		return d.start(sess, args, registry.Detached)
	case "stop":
		return d.stop(args)
	case "pause":
		return d.pause(args)
	case "resume":
		return d.resume(args)
	case "list", "ls":
		return d.list()
	case "attach":
		return d.attach(sess, args)
	case "detach":
		return d.detach(sess)
	case "logs":
		return d.logs(sess, args)
	case "checkpoint", "cp":
		return d.checkpoint(args)
	case "restore":
		return d.restore(args)
	case "analyze-tty", "tty":
		return d.analyzeTTY(args)
	case "cd":
		return d.cd(sess, args)
	case "cluster":
		return d.clusterVerb(args)
	case "migrate":
		return d.migrate(args)
	case "shadow-view", "shadow":
		return d.shadowView(args)
	case "help":
		return ok(helpText)
	case "exit":
		return Result{Success: true, Message: "goodbye", Exit: true}
	default:
		return Result{Success: false, Message: dprocerr.New(dprocerr.ParseError, "unknown verb %q", verb).Error()}
	}
}

func (d *Dispatcher) resolve(ref string) (registry.InstanceID, error) {
	if ref == "" {
		return registry.InstanceID{}, dprocerr.New(dprocerr.ParseError, "missing instance reference")
	}
	return d.reg.Resolve(ref)
}

func (d *Dispatcher) instanceDir(id registry.InstanceID) string {
	return filepath.Join(d.instancesRoot, "instance_"+id.Short())
}

func (d *Dispatcher) start(sess *Session, args []string, mode registry.StartMode) Result {
	if len(args) == 0 {
		return failMsg("usage: start <program> [args...]")
	}
	program, argv := args[0], args[1:]

	sess.mu.Lock()
	cwd := sess.cwd
	sess.mu.Unlock()

	id := registry.NewInstanceID()
	dir := d.instanceDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(dprocerr.Wrap(dprocerr.IoError, err, "create instance dir"))
	}

	d.reg.Register(registry.Instance{
		ID:        id,
		Program:   program,
		Argv:      argv,
		Dir:       cwd,
		StartMode: mode,
		Status:    registry.Starting,
	})

	pid, err := d.sup.Spawn(id, dir, program, argv, cwd, mode)
	if err != nil {
		_ = d.reg.UpdateStatus(id, registry.Failed)
		return fail(err)
	}

	_ = d.reg.SetLocalPID(id, &pid)
	_ = d.reg.UpdateStatus(id, registry.Running)

	return ok(fmt.Sprintf("started %s (pid %d)", id.Short(), pid))
}

func (d *Dispatcher) stop(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: stop <instance>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	if err := d.sup.Stop(id); err != nil {
		return fail(err)
	}
	_ = d.reg.UpdateStatus(id, registry.Stopped)
	_ = d.reg.SetLocalPID(id, nil)
	return ok(fmt.Sprintf("stopped %s", id.Short()))
}

func (d *Dispatcher) pause(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: pause <instance>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	if err := d.sup.Pause(id); err != nil {
		return fail(err)
	}
	_ = d.reg.UpdateStatus(id, registry.Paused)
	return ok(fmt.Sprintf("paused %s", id.Short()))
}

func (d *Dispatcher) resume(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: resume <instance>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	if err := d.sup.Resume(id); err != nil {
		return fail(err)
	}
	_ = d.reg.UpdateStatus(id, registry.Running)
	return ok(fmt.Sprintf("resumed %s", id.Short()))
}

func (d *Dispatcher) list() Result {
	snap := d.reg.Snapshot()
	ids := make([]registry.InstanceID, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return snap[ids[i]].CreatedAt.Before(snap[ids[j]].CreatedAt) })

	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-9s %-24s %s\n", "ID", "STATUS", "PROGRAM", "PRIMARY")
	for _, id := range ids {
		in := snap[id]
		program := strings.Join(append([]string{in.Program}, in.Argv...), " ")
		fmt.Fprintf(&b, "%-8s %-9s %-24s %s\n", id.Short(), in.Status, program, in.PrimaryNode.String()[:8])
	}
	return okOut(fmt.Sprintf("%d instance(s)", len(ids)), b.String())
}

func (d *Dispatcher) attach(sess *Session, args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: attach <instance>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	sess.mu.Lock()
	sess.attached = &id
	sess.mu.Unlock()
	return ok(fmt.Sprintf("attached to %s", id.Short()))
}

func (d *Dispatcher) detach(sess *Session) Result {
	sess.mu.Lock()
	sess.attached = nil
	sess.mu.Unlock()
	return ok("detached")
}

func (d *Dispatcher) logs(sess *Session, args []string) Result {
	var ref string
	lines := 20
	switch len(args) {
	case 0:
		sess.mu.Lock()
		attached := sess.attached
		sess.mu.Unlock()
		if attached == nil {
			return failMsg("no instance attached; usage: logs [instance] [lines]")
		}
		return d.logsFor(*attached, lines)
	case 1:
		if n, err := strconv.Atoi(args[0]); err == nil {
			sess.mu.Lock()
			attached := sess.attached
			sess.mu.Unlock()
			if attached == nil {
				return failMsg("no instance attached; usage: logs [instance] [lines]")
			}
			return d.logsFor(*attached, n)
		}
		ref = args[0]
	default:
		ref = args[0]
		if n, err := strconv.Atoi(args[1]); err == nil {
			lines = n
		}
	}
	id, err := d.resolve(ref)
	if err != nil {
		return fail(err)
	}
	return d.logsFor(id, lines)
}

func (d *Dispatcher) logsFor(id registry.InstanceID, n int) Result {
	hist, err := d.sup.History(id)
	if err != nil {
		return fail(err)
	}
	var b strings.Builder
	for _, line := range hist.Snapshot(n) {
		fmt.Fprintf(&b, "[%s] %s\n", line.Stream, line.Text)
	}
	return okOut(fmt.Sprintf("logs for %s", id.Short()), b.String())
}

func (d *Dispatcher) checkpoint(args []string) Result {
	if len(args) < 2 {
		return failMsg("usage: checkpoint <instance> <name>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	name := args[1]

	pid, err := d.sup.PID(id)
	if err != nil {
		return fail(err)
	}
	hist, err := d.sup.History(id)
	if err != nil {
		return fail(err)
	}

	imageDir, err := d.ckpt.CreateCheckpoint(pid, name, id, hist.Snapshot(0))
	if err != nil {
		return fail(err)
	}
	_ = d.reg.SetCheckpoint(id, registry.CheckpointInfo{
		Name: name, CreatedAt: time.Now(), ImageDir: imageDir, InstanceID: id,
	})
	return ok(fmt.Sprintf("checkpointed %s as %q", id.Short(), name))
}

func (d *Dispatcher) restore(args []string) Result {
	if len(args) < 2 {
		return failMsg("usage: restore <instance> <checkpoint>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	name := args[1]

	pid, snapshot, err := d.ckpt.RestoreCheckpoint(name, &id)
	if err != nil {
		return fail(err)
	}

	d.sup.RegisterExternal(id, pid, "")
	if hist, herr := d.sup.History(id); herr == nil && len(snapshot) > 0 {
		hist.Replace(snapshot)
	}
	_ = d.reg.SetLocalPID(id, &pid)
	_ = d.reg.UpdateStatus(id, registry.Running)

	return ok(fmt.Sprintf("restored %s from %q (pid %d)", id.Short(), name, pid))
}

func (d *Dispatcher) analyzeTTY(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: analyze-tty <instance>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	pid, err := d.sup.PID(id)
	if err != nil {
		return fail(err)
	}
	ttyArgs, complex_, err := checkpoint.InspectTTYs(pid)
	if err != nil {
		return fail(dprocerr.Wrap(dprocerr.IoError, err, "inspect ttys for pid %d", pid))
	}
	return okOut(fmt.Sprintf("%s: complex=%v, %d tty fd arg(s)", id.Short(), complex_, len(ttyArgs)/2), strings.Join(ttyArgs, " "))
}

func (d *Dispatcher) cd(sess *Session, args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: cd <dir>")
	}
	dir := args[0]
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fail(dprocerr.New(dprocerr.IoError, "not a directory: %s", dir))
	}
	sess.mu.Lock()
	sess.cwd = dir
	sess.mu.Unlock()
	return ok(fmt.Sprintf("cwd is now %s", dir))
}

func (d *Dispatcher) clusterVerb(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: cluster list-nodes|node-info|connect|disconnect|status")
	}
	switch args[0] {
	case "list-nodes":
		return d.clusterListNodes()
	case "node-info":
		return d.clusterNodeInfo(args[1:])
	case "connect":
		return d.clusterConnect(args[1:])
	case "disconnect":
		return d.clusterDisconnect(args[1:])
	case "status":
		return d.clusterStatus()
	default:
		return failMsg("unknown cluster sub-verb %q", args[0])
	}
}

func (d *Dispatcher) clusterListNodes() Result {
	state := d.mem.Snapshot()
	ids := make([]cluster.NodeID, 0, len(state.Nodes))
	for id := range state.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var b strings.Builder
	for _, id := range ids {
		n := state.Nodes[id]
		fmt.Fprintf(&b, "%-8s %-20s %-8s %s\n", id.String()[:8], n.Name, n.Status, n.Endpoint)
	}
	return okOut(fmt.Sprintf("%d node(s)", len(ids)), b.String())
}

func (d *Dispatcher) resolveNode(ref string) (cluster.NodeID, error) {
	state := d.mem.Snapshot()
	self := d.mem.Self()
	if self.ID.String() == ref || (len(ref) == 8 && self.ID.String()[:8] == ref) || self.Name == ref {
		return self.ID, nil
	}
	var matches []cluster.NodeID
	for id, n := range state.Nodes {
		full := id.String()
		if full == ref || n.Name == ref || (len(ref) <= 8 && full[:len(ref)] == ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return cluster.NodeID{}, dprocerr.New(dprocerr.InstanceNotFound, "no node matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return cluster.NodeID{}, dprocerr.New(dprocerr.AmbiguousInstance, "%q matches %d nodes", ref, len(matches))
	}
}

func (d *Dispatcher) clusterNodeInfo(args []string) Result {
	var target cluster.NodeID
	var info cluster.Info
	if len(args) == 0 {
		info = d.mem.Self()
		target = info.ID
	} else {
		id, err := d.resolveNode(args[0])
		if err != nil {
			return fail(err)
		}
		target = id
		state := d.mem.Snapshot()
		if target == d.mem.Self().ID {
			info = d.mem.Self()
		} else {
			info = state.Nodes[target]
		}
	}
	out := fmt.Sprintf("id=%s\nname=%s\nendpoint=%s\nstatus=%s\nversion=%s\njoined=%s\nlast_seen=%s\n",
		target.String(), info.Name, info.Endpoint, info.Status, info.Version, info.JoinedAt.Format(time.RFC3339), info.LastSeen.Format(time.RFC3339))
	return okOut(fmt.Sprintf("node %s", target.String()[:8]), out)
}

func (d *Dispatcher) clusterConnect(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: cluster connect <host:port>")
	}
	state := d.mem.Snapshot()
	known := make([]cluster.Info, 0, len(state.Nodes))
	for _, n := range state.Nodes {
		known = append(known, n)
	}
	id, err := d.dial.Dial(args[0], known)
	if err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("connected to %s", id.String()[:8]))
}

func (d *Dispatcher) clusterDisconnect(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: cluster disconnect <id>")
	}
	id, err := d.resolveNode(args[0])
	if err != nil {
		return fail(err)
	}
	d.mem.RemoveNode(id, "disconnected by operator")
	return ok(fmt.Sprintf("disconnected %s", id.String()[:8]))
}

func (d *Dispatcher) clusterStatus() Result {
	state := d.mem.Snapshot()
	online := 0
	for _, n := range state.Nodes {
		if n.Status == cluster.Online {
			online++
		}
	}
	self := d.mem.Self()
	return okOut(fmt.Sprintf("cluster %s: %d/%d nodes online", state.ClusterID, online, len(state.Nodes)),
		fmt.Sprintf("self=%s (%s)\n", self.ID.String()[:8], self.Name))
}

func (d *Dispatcher) migrate(args []string) Result {
	if len(args) < 2 {
		return failMsg("usage: migrate <instance> <target-node>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	target, err := d.resolveNode(args[1])
	if err != nil {
		return fail(err)
	}
	if err := d.mig.StartMigration(id, target); err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("migration of %s to %s requested", id.Short(), target.String()[:8]))
}

func (d *Dispatcher) shadowView(args []string) Result {
	if len(args) < 1 {
		return failMsg("usage: shadow-view <instance>")
	}
	id, err := d.resolve(args[0])
	if err != nil {
		return fail(err)
	}
	rec, found := d.shd.View(id)
	if !found {
		return fail(dprocerr.New(dprocerr.InstanceNotFound, "no shadow record for %s", id.Short()))
	}
	return okOut(
		fmt.Sprintf("%s: version=%d source=%s last_sync=%s", id.Short(), rec.Version, rec.Source.String()[:8], rec.LastSync.Format(time.RFC3339)),
		string(rec.Output),
	)
}

const helpText = `start          <program> [args…]
start-detached <program> [args…]            alias: startd
stop           <instance>
pause          <instance>
resume         <instance>
list                                         alias: ls
attach         <instance>
detach
logs           [instance] [lines]            default 20 lines
checkpoint     <instance> <name>             alias: cp
restore        <instance> <checkpoint>
analyze-tty    <instance>                    alias: tty
cd             <dir>
cluster        list-nodes | node-info [id] | connect <host:port> | disconnect <id> | status
migrate        <instance> <target-node>
shadow-view    <instance>                    alias: shadow
help | exit`
