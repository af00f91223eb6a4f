package supervisor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dproc/dproc/internal/registry"
)

type captureSink struct {
	lines []string
}

func (c *captureSink) OnOutput(id registry.InstanceID, stream, text string) {
	c.lines = append(c.lines, text)
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSpawnNormalCapturesOutput(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, discardLog())
	id := registry.NewInstanceID()

	pid, err := s.Spawn(id, t.TempDir(), "/bin/echo", []string{"hi"}, t.TempDir(), registry.Normal)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		h, err := s.History(id)
		if err != nil {
			return false
		}
		return len(h.Snapshot(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h, err := s.History(id)
	require.NoError(t, err)
	lines := h.Snapshot(0)
	require.Len(t, lines, 1)
	assert.Equal(t, "hi", lines[0].Text)
	assert.Equal(t, "STDOUT", lines[0].Stream)
}

func TestStopOnExitedProcessFails(t *testing.T) {
	s := New(nil, discardLog())
	id := registry.NewInstanceID()
	_, err := s.Spawn(id, t.TempDir(), "/bin/echo", []string{"bye"}, t.TempDir(), registry.Normal)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond) // let /bin/echo exit

	err = s.Stop(id)
	assert.Error(t, err)
}

func TestSendInputNoStdinForAdopted(t *testing.T) {
	s := New(nil, discardLog())
	id := registry.NewInstanceID()
	s.RegisterExternal(id, 999999, "")

	err := s.SendInput(id, "hello")
	assert.Error(t, err)
}

func TestHistoryRingBufferCaps(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append("STDOUT", string(rune('a'+i)))
	}
	lines := h.Snapshot(0)
	require.Len(t, lines, 3)
	assert.Equal(t, "c", lines[0].Text)
	assert.Equal(t, "e", lines[2].Text)
}
