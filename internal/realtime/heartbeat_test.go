package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigilo/invigilo-backend/internal/model"
)

type recordingSweepSink struct {
	mu           sync.Mutex
	disconnected map[uuid.UUID]int
	terminated   map[uuid.UUID]int
}

func newRecordingSweepSink() *recordingSweepSink {
	return &recordingSweepSink{
		disconnected: make(map[uuid.UUID]int),
		terminated:   make(map[uuid.UUID]int),
	}
}

func (s *recordingSweepSink) SweepDisconnected(snap *model.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected[snap.SessionID]++
}

func (s *recordingSweepSink) SweepTerminated(snap *model.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated[snap.SessionID]++
}

func newTestSweeper(st *Store, clk *fakeClock, sink SweepSink) *Sweeper {
	return NewSweeper(st, sink, time.Second, 45*time.Second, 90*time.Second, clk.Now, zerolog.Nop())
}

func TestSweepMarksStaleActiveSessionDisconnected(t *testing.T) {
	st, clk := newTestStore(t)
	sink := newRecordingSweepSink()
	sw := newTestSweeper(st, clk, sink)

	snap, _ := st.CreateOrResume(testExam(), 1, "A", nil, nil)
	_, err := st.Transition(snap.SessionID, EventStart)
	require.NoError(t, err)

	// Within the threshold nothing happens.
	clk.Advance(40 * time.Second)
	sw.Sweep()
	assert.Zero(t, sink.disconnected[snap.SessionID])

	clk.Advance(10 * time.Second)
	sw.Sweep()
	assert.Equal(t, 1, sink.disconnected[snap.SessionID])

	got, _ := st.Get(snap.SessionID)
	assert.Equal(t, model.SessionDisconnected, got.Status)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	st, clk := newTestStore(t)
	sink := newRecordingSweepSink()
	sw := newTestSweeper(st, clk, sink)

	snap, _ := st.CreateOrResume(testExam(), 1, "A", nil, nil)
	_, err := st.Transition(snap.SessionID, EventStart)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		clk.Advance(30 * time.Second)
		_, err := st.Heartbeat(snap.SessionID)
		require.NoError(t, err)
		sw.Sweep()
	}
	assert.Zero(t, sink.disconnected[snap.SessionID])
}

func TestSweepTerminatesAfterGraceWindow(t *testing.T) {
	st, clk := newTestStore(t)
	sink := newRecordingSweepSink()
	sw := newTestSweeper(st, clk, sink)

	snap, _ := st.CreateOrResume(testExam(), 1, "A", nil, nil)
	_, err := st.Transition(snap.SessionID, EventStart)
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	sw.Sweep()
	require.Equal(t, 1, sink.disconnected[snap.SessionID])

	// Inside the grace window the session waits for a reconnect.
	clk.Advance(80 * time.Second)
	sw.Sweep()
	assert.Zero(t, sink.terminated[snap.SessionID])

	clk.Advance(20 * time.Second)
	sw.Sweep()
	assert.Equal(t, 1, sink.terminated[snap.SessionID])

	got, _ := st.Get(snap.SessionID)
	assert.Equal(t, model.SessionTerminated, got.Status)
	assert.Equal(t, model.SubmissionForfeited, got.SubmissionType)
}

func TestReconnectDuringGraceStopsTermination(t *testing.T) {
	st, clk := newTestStore(t)
	sink := newRecordingSweepSink()
	sw := newTestSweeper(st, clk, sink)

	snap, _ := st.CreateOrResume(testExam(), 1, "A", nil, nil)
	_, err := st.Transition(snap.SessionID, EventStart)
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	sw.Sweep()
	require.Equal(t, 1, sink.disconnected[snap.SessionID])

	_, err = st.Transition(snap.SessionID, EventReconnect)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	_, err = st.Heartbeat(snap.SessionID)
	require.NoError(t, err)
	sw.Sweep()
	assert.Zero(t, sink.terminated[snap.SessionID])

	got, _ := st.Get(snap.SessionID)
	assert.Equal(t, model.SessionActive, got.Status)
}
