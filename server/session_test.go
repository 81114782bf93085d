package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The take-channels have exchange-with-empty-slot semantics: arming
// populates them, taking empties them, and only one taker wins.

func TestTakeDataCmd(t *testing.T) {
	t.Parallel()
	s := &session{}

	assert.Nil(t, s.takeDataCmd(), "nothing armed yet")

	cmd, _ := s.armDataChannel()
	got := s.takeDataCmd()
	require.NotNil(t, got)
	assert.Equal(t, (chan Command)(cmd), got)

	assert.Nil(t, s.takeDataCmd(), "slot is consumed on take")
}

func TestRearmClosesIdleChannel(t *testing.T) {
	t.Parallel()
	s := &session{}

	first, _ := s.armDataChannel()
	second, _ := s.armDataChannel()

	// The first command channel was closed by the re-arm, which is how
	// its idle data task learns to exit.
	_, ok := <-first
	assert.False(t, ok)

	assert.Equal(t, (chan Command)(second), s.takeDataCmd())
}

func TestAbortDataChannel(t *testing.T) {
	t.Parallel()

	t.Run("nothing armed", func(t *testing.T) {
		s := &session{}
		armed, inFlight := s.abortDataChannel()
		assert.False(t, armed)
		assert.False(t, inFlight)
	})

	t.Run("armed but idle", func(t *testing.T) {
		s := &session{}
		cmd, abort := s.armDataChannel()

		armed, inFlight := s.abortDataChannel()
		assert.True(t, armed)
		assert.False(t, inFlight)

		// The abort was signalled and the command slot cleared, so a
		// later data command sees no armed channel.
		select {
		case <-abort:
		default:
			t.Fatal("abort not signalled")
		}
		_, ok := <-cmd
		assert.False(t, ok, "idle task's command channel must be closed")
		assert.Nil(t, s.takeDataCmd())
	})

	t.Run("transfer in flight", func(t *testing.T) {
		s := &session{}
		_, abort := s.armDataChannel()
		require.NotNil(t, s.takeDataCmd())

		armed, inFlight := s.abortDataChannel()
		assert.True(t, armed)
		assert.True(t, inFlight)
		select {
		case <-abort:
		default:
			t.Fatal("abort not signalled")
		}
	})

	t.Run("second abort finds nothing", func(t *testing.T) {
		s := &session{}
		s.armDataChannel()
		s.abortDataChannel()
		armed, _ := s.abortDataChannel()
		assert.False(t, armed)
	})
}

func TestFinishDataChannelClearsOwnSlot(t *testing.T) {
	t.Parallel()
	s := &session{}

	_, abort := s.armDataChannel()
	s.finishDataChannel(abort)
	armed, _ := s.abortDataChannel()
	assert.False(t, armed)

	// A finish from a stale task does not clobber a fresh arm.
	_, oldAbort := s.armDataChannel()
	_, newAbort := s.armDataChannel()
	s.finishDataChannel(oldAbort)
	armed, _ = s.abortDataChannel()
	assert.True(t, armed)
	select {
	case <-newAbort:
	default:
		t.Fatal("abort not signalled on current channel")
	}
}

func TestTakeStartPos(t *testing.T) {
	t.Parallel()
	s := &session{}
	s.startPos = 1024

	assert.Equal(t, int64(1024), s.takeStartPos())
	assert.Zero(t, s.takeStartPos(), "offset is honored at most once")
}

func TestResolvePath(t *testing.T) {
	t.Parallel()
	s := &session{cwd: "/sub"}

	assert.Equal(t, "/abs.txt", s.resolvePath("/abs.txt"))
	assert.Equal(t, "/sub/rel.txt", s.resolvePath("rel.txt"))
	assert.Equal(t, "/sub", s.resolvePath(""))
	assert.Equal(t, "/", s.resolvePath(".."))
	assert.Equal(t, "/other", s.resolvePath("../other"))
	assert.Equal(t, "/x", s.resolvePath("/a/../x"))
}
