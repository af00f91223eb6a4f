package dispatcher

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dproc/dproc/internal/checkpoint"
	"github.com/dproc/dproc/internal/cluster"
	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/shadow"
	"github.com/dproc/dproc/internal/supervisor"
)

type fakeRegistry struct {
	instances map[registry.InstanceID]registry.Instance
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{instances: make(map[registry.InstanceID]registry.Instance)}
}

func (f *fakeRegistry) Get(id registry.InstanceID) (registry.Instance, error) {
	in, ok := f.instances[id]
	if !ok {
		return registry.Instance{}, dprocerr.New(dprocerr.InstanceNotFound, "not found")
	}
	return in, nil
}

func (f *fakeRegistry) Resolve(ref string) (registry.InstanceID, error) {
	var matches []registry.InstanceID
	for id := range f.instances {
		if id.String() == ref || (len(ref) <= len(id.Short()) && id.Short()[:len(ref)] == ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return registry.InstanceID{}, dprocerr.New(dprocerr.InstanceNotFound, "no match for %q", ref)
	case 1:
		return matches[0], nil
	default:
		return registry.InstanceID{}, dprocerr.New(dprocerr.AmbiguousInstance, "ambiguous")
	}
}

func (f *fakeRegistry) Snapshot() map[registry.InstanceID]registry.Instance {
	out := make(map[registry.InstanceID]registry.Instance, len(f.instances))
	for k, v := range f.instances {
		out[k] = v
	}
	return out
}

func (f *fakeRegistry) Register(in registry.Instance) { f.instances[in.ID] = in }

func (f *fakeRegistry) UpdateStatus(id registry.InstanceID, status registry.Status) error {
	in, ok := f.instances[id]
	if !ok {
		return dprocerr.New(dprocerr.InstanceNotFound, "not found")
	}
	in.Status = status
	f.instances[id] = in
	return nil
}

func (f *fakeRegistry) SetCheckpoint(id registry.InstanceID, cp registry.CheckpointInfo) error {
	in, ok := f.instances[id]
	if !ok {
		return dprocerr.New(dprocerr.InstanceNotFound, "not found")
	}
	if in.Checkpoints == nil {
		in.Checkpoints = make(map[string]registry.CheckpointInfo)
	}
	in.Checkpoints[cp.Name] = cp
	f.instances[id] = in
	return nil
}

func (f *fakeRegistry) SetLocalPID(id registry.InstanceID, pid *int) error {
	in, ok := f.instances[id]
	if !ok {
		return dprocerr.New(dprocerr.InstanceNotFound, "not found")
	}
	in.LocalPID = pid
	f.instances[id] = in
	return nil
}

func (f *fakeRegistry) Remove(id registry.InstanceID) { delete(f.instances, id) }

type fakeSupervisor struct {
	nextPID  int
	pids     map[registry.InstanceID]int
	hist     map[registry.InstanceID]*supervisor.History
	stopped  []registry.InstanceID
	paused   map[registry.InstanceID]bool
	spawnErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		nextPID: 100,
		pids:    make(map[registry.InstanceID]int),
		hist:    make(map[registry.InstanceID]*supervisor.History),
		paused:  make(map[registry.InstanceID]bool),
	}
}

func (f *fakeSupervisor) Spawn(id registry.InstanceID, instanceDir, program string, argv []string, cwd string, mode registry.StartMode) (int, error) {
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextPID++
	f.pids[id] = f.nextPID
	h := supervisor.NewHistory(10)
	h.Append("STDOUT", "hi")
	f.hist[id] = h
	return f.nextPID, nil
}

func (f *fakeSupervisor) Stop(id registry.InstanceID) error {
	if _, ok := f.pids[id]; !ok {
		return dprocerr.New(dprocerr.InstanceNotRunning, "not running")
	}
	f.stopped = append(f.stopped, id)
	delete(f.pids, id)
	return nil
}

func (f *fakeSupervisor) Pause(id registry.InstanceID) error {
	if _, ok := f.pids[id]; !ok {
		return dprocerr.New(dprocerr.InstanceNotRunning, "not running")
	}
	f.paused[id] = true
	return nil
}

func (f *fakeSupervisor) Resume(id registry.InstanceID) error {
	if !f.paused[id] {
		return dprocerr.New(dprocerr.InstanceNotPaused, "not paused")
	}
	f.paused[id] = false
	return nil
}

func (f *fakeSupervisor) SendInput(id registry.InstanceID, line string) error { return nil }

func (f *fakeSupervisor) History(id registry.InstanceID) (*supervisor.History, error) {
	h, ok := f.hist[id]
	if !ok {
		return nil, dprocerr.New(dprocerr.InstanceNotRunning, "no history")
	}
	return h, nil
}

func (f *fakeSupervisor) PID(id registry.InstanceID) (int, error) {
	pid, ok := f.pids[id]
	if !ok {
		return 0, dprocerr.New(dprocerr.InstanceNotRunning, "no pid")
	}
	return pid, nil
}

func (f *fakeSupervisor) RegisterExternal(id registry.InstanceID, pid int, logPath string) {
	f.pids[id] = pid
	if _, ok := f.hist[id]; !ok {
		f.hist[id] = supervisor.NewHistory(10)
	}
}

type fakeCheckpoint struct {
	createDir  string
	restorePID int
	restoreErr error
}

func (f *fakeCheckpoint) CreateCheckpoint(pid int, name string, id registry.InstanceID, snapshot checkpoint.OutputSnapshot) (string, error) {
	return f.createDir, nil
}

func (f *fakeCheckpoint) RestoreCheckpoint(name string, id *registry.InstanceID) (int, checkpoint.OutputSnapshot, error) {
	if f.restoreErr != nil {
		return 0, nil, f.restoreErr
	}
	return f.restorePID, []supervisor.Line{{Stream: "STDOUT", Text: "restored-line"}}, nil
}

type fakeMembership struct {
	self  cluster.Info
	state cluster.State
}

func (f *fakeMembership) Snapshot() cluster.State { return f.state }
func (f *fakeMembership) Self() cluster.Info       { return f.self }
func (f *fakeMembership) RemoveNode(id cluster.NodeID, reason string) {
	delete(f.state.Nodes, id)
}

type fakeDialer struct {
	id  cluster.NodeID
	err error
}

func (f *fakeDialer) Dial(endpoint string, known []cluster.Info) (cluster.NodeID, error) {
	return f.id, f.err
}

type fakeShadowView struct {
	records map[registry.InstanceID]shadow.Record
}

func (f *fakeShadowView) View(id registry.InstanceID) (shadow.Record, bool) {
	r, ok := f.records[id]
	return r, ok
}

type fakeMigrator struct {
	started map[registry.InstanceID]cluster.NodeID
	err     error
}

func (f *fakeMigrator) StartMigration(id registry.InstanceID, target cluster.NodeID) error {
	if f.err != nil {
		return f.err
	}
	if f.started == nil {
		f.started = make(map[registry.InstanceID]cluster.NodeID)
	}
	f.started[id] = target
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeRegistry, *fakeSupervisor) {
	reg := newFakeRegistry()
	sup := newFakeSupervisor()
	ckpt := &fakeCheckpoint{createDir: t.TempDir()}
	self := cluster.Info{ID: cluster.NewNodeID(), Name: "n1", Status: cluster.Online}
	mem := &fakeMembership{self: self, state: cluster.State{ClusterID: "c1", Nodes: map[cluster.NodeID]cluster.Info{self.ID: self}}}
	dial := &fakeDialer{id: cluster.NewNodeID()}
	shd := &fakeShadowView{records: make(map[registry.InstanceID]shadow.Record)}
	mig := &fakeMigrator{}

	d := New(reg, sup, ckpt, mem, dial, shd, mig, t.TempDir(), "/tmp")
	return d, reg, sup
}

func TestStartRegistersAndSpawns(t *testing.T) {
	d, reg, sup := newTestDispatcher(t)
	res := d.Execute(Command{SessionID: "s1", Line: "start /bin/echo hi"})
	require.True(t, res.Success)
	assert.Len(t, reg.instances, 1)
	for id, in := range reg.instances {
		assert.Equal(t, registry.Running, in.Status)
		assert.Equal(t, sup.pids[id], *in.LocalPID)
	}
}

func TestStartMarksFailedOnSpawnError(t *testing.T) {
	d, reg, sup := newTestDispatcher(t)
	sup.spawnErr = dprocerr.New(dprocerr.SpawnFailed, "exec: no such file")

	res := d.Execute(Command{SessionID: "s1", Line: "start /no/such/binary"})
	require.False(t, res.Success)
	require.Len(t, reg.instances, 1)
	for _, in := range reg.instances {
		assert.Equal(t, registry.Failed, in.Status)
		assert.Nil(t, in.LocalPID)
	}
}

func TestStopRequiresRunningInstance(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.Execute(Command{SessionID: "s1", Line: "start /bin/echo hi"})

	list := d.Execute(Command{SessionID: "s1", Line: "list"})
	require.True(t, list.Success)
	shortID := strings.Fields(strings.Split(list.Output, "\n")[1])[0]

	res := d.Execute(Command{SessionID: "s1", Line: "stop " + shortID})
	assert.True(t, res.Success)

	res = d.Execute(Command{SessionID: "s1", Line: "stop " + shortID})
	assert.False(t, res.Success)
}

func TestAmbiguousShortPrefixFails(t *testing.T) {
	reg := newFakeRegistry()
	a := registry.NewInstanceID()
	b := a
	b[15] ^= 0xff // differs from a only in its last byte, so both share a.Short()
	reg.instances[a] = registry.Instance{ID: a, Status: registry.Running}
	reg.instances[b] = registry.Instance{ID: b, Status: registry.Running}

	sup := newFakeSupervisor()
	d := New(reg, sup, &fakeCheckpoint{}, &fakeMembership{state: cluster.State{Nodes: map[cluster.NodeID]cluster.Info{}}}, &fakeDialer{}, &fakeShadowView{}, &fakeMigrator{}, t.TempDir(), "/tmp")

	res := d.Execute(Command{SessionID: "s1", Line: "stop " + a.Short()[:1]})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "AmbiguousInstance")
}

func TestAttachDetachAndLogsUseSessionState(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	d.Execute(Command{SessionID: "s1", Line: "start /bin/echo hi"})
	var id registry.InstanceID
	for k := range reg.instances {
		id = k
	}

	res := d.Execute(Command{SessionID: "s1", Line: fmt.Sprintf("attach %s", id.Short())})
	require.True(t, res.Success)

	logs := d.Execute(Command{SessionID: "s1", Line: "logs"})
	require.True(t, logs.Success)
	assert.Contains(t, logs.Output, "hi")

	// A different session has no attachment.
	other := d.Execute(Command{SessionID: "s2", Line: "logs"})
	assert.False(t, other.Success)

	d.Execute(Command{SessionID: "s1", Line: "detach"})
	after := d.Execute(Command{SessionID: "s1", Line: "logs"})
	assert.False(t, after.Success)
}

func TestCheckpointAndRestoreRoundTrip(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	d.Execute(Command{SessionID: "s1", Line: "start /bin/echo hi"})
	var id registry.InstanceID
	for k := range reg.instances {
		id = k
	}

	res := d.Execute(Command{SessionID: "s1", Line: fmt.Sprintf("checkpoint %s c1", id.Short())})
	require.True(t, res.Success)
	assert.Contains(t, reg.instances[id].Checkpoints, "c1")

	fc := &fakeCheckpoint{restorePID: 4242}
	d.ckpt = fc
	res = d.Execute(Command{SessionID: "s1", Line: fmt.Sprintf("restore %s c1", id.Short())})
	require.True(t, res.Success)
	assert.Equal(t, registry.Running, reg.instances[id].Status)
	assert.Equal(t, 4242, *reg.instances[id].LocalPID)
}

func TestMigrateRequestsCoordinator(t *testing.T) {
	reg := newFakeRegistry()
	id := registry.NewInstanceID()
	reg.instances[id] = registry.Instance{ID: id, Status: registry.Running}

	targetID := cluster.NewNodeID()
	target := cluster.Info{ID: targetID, Name: "n2", Status: cluster.Online}
	self := cluster.Info{ID: cluster.NewNodeID(), Name: "n1", Status: cluster.Online}
	mem := &fakeMembership{self: self, state: cluster.State{Nodes: map[cluster.NodeID]cluster.Info{targetID: target, self.ID: self}}}
	mig := &fakeMigrator{}

	d := New(reg, newFakeSupervisor(), &fakeCheckpoint{}, mem, &fakeDialer{}, &fakeShadowView{}, mig, t.TempDir(), "/tmp")

	res := d.Execute(Command{SessionID: "s1", Line: fmt.Sprintf("migrate %s %s", id.Short(), targetID.String()[:8])})
	require.True(t, res.Success)
	assert.Equal(t, targetID, mig.started[id])
}

func TestShadowViewReportsRecord(t *testing.T) {
	reg := newFakeRegistry()
	id := registry.NewInstanceID()
	reg.instances[id] = registry.Instance{ID: id, Status: registry.Shadow}
	shd := &fakeShadowView{records: map[registry.InstanceID]shadow.Record{
		id: {InstanceID: id, Version: 3, LastSync: time.Now(), Output: []byte("STDOUT: hi")},
	}}

	d := New(reg, newFakeSupervisor(), &fakeCheckpoint{}, &fakeMembership{state: cluster.State{Nodes: map[cluster.NodeID]cluster.Info{}}}, &fakeDialer{}, shd, &fakeMigrator{}, t.TempDir(), "/tmp")

	res := d.Execute(Command{SessionID: "s1", Line: fmt.Sprintf("shadow-view %s", id.Short())})
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "version=3")
	assert.Contains(t, res.Output, "hi")
}

func TestClusterListNodesAndStatus(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	res := d.Execute(Command{SessionID: "s1", Line: "cluster list-nodes"})
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "n1")

	status := d.Execute(Command{SessionID: "s1", Line: "cluster status"})
	require.True(t, status.Success)
	assert.Contains(t, status.Message, "c1")
}

func TestCdRejectsNonDirectory(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	res := d.Execute(Command{SessionID: "s1", Line: "cd /nonexistent-path-xyz"})
	assert.False(t, res.Success)
}

func TestUnknownVerbFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	res := d.Execute(Command{SessionID: "s1", Line: "frobnicate"})
	assert.False(t, res.Success)
}

func TestExitSetsExitFlag(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	res := d.Execute(Command{SessionID: "s1", Line: "exit"})
	assert.True(t, res.Exit)
}
