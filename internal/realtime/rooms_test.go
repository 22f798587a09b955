package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRoomsBroadcastReachesAllMembers(t *testing.T) {
	rooms := NewRooms(zerolog.Nop())
	room := SessionRoom(uuid.New())
	a := newFakeConn("a")
	b := newFakeConn("b")
	rooms.Join(room, a)
	rooms.Join(room, b)

	rooms.Broadcast(room, "time_update", map[string]int{"timeRemaining": 42})

	assert.Equal(t, []string{"time_update"}, a.events())
	assert.Equal(t, []string{"time_update"}, b.events())
}

func TestRoomsBroadcastExceptSkipsOriginator(t *testing.T) {
	rooms := NewRooms(zerolog.Nop())
	room := MonitorRoom(uuid.New())
	a := newFakeConn("a")
	b := newFakeConn("b")
	rooms.Join(room, a)
	rooms.Join(room, b)

	rooms.BroadcastExcept(room, "a", "progress_update", nil)

	assert.Empty(t, a.events())
	assert.Equal(t, []string{"progress_update"}, b.events())
}

func TestRoomsLeaveStopsDelivery(t *testing.T) {
	rooms := NewRooms(zerolog.Nop())
	room := SessionRoom(uuid.New())
	a := newFakeConn("a")
	rooms.Join(room, a)
	rooms.Leave(room, "a")

	rooms.Broadcast(room, "time_update", nil)
	assert.Empty(t, a.events())
	assert.Equal(t, 0, rooms.MemberCount(room))

	// Leaving twice is harmless.
	rooms.Leave(room, "a")
}

func TestRoomsLeaveAllClearsEveryMembership(t *testing.T) {
	rooms := NewRooms(zerolog.Nop())
	examID := uuid.New()
	session := SessionRoom(examID)
	monitor := MonitorRoom(examID)
	a := newFakeConn("a")
	rooms.Join(session, a)
	rooms.Join(monitor, a)

	rooms.LeaveAll("a")

	rooms.Broadcast(session, "time_update", nil)
	rooms.Broadcast(monitor, "progress_update", nil)
	assert.Empty(t, a.events())
	assert.Equal(t, 0, rooms.MemberCount(session))
	assert.Equal(t, 0, rooms.MemberCount(monitor))
}

func TestRoomsRejoinIsIdempotent(t *testing.T) {
	rooms := NewRooms(zerolog.Nop())
	room := SessionRoom(uuid.New())
	a := newFakeConn("a")
	rooms.Join(room, a)
	rooms.Join(room, a)

	assert.Equal(t, 1, rooms.MemberCount(room))
	rooms.Broadcast(room, "time_update", nil)
	assert.Len(t, a.events(), 1)
}

func TestRoomNamesAreExamScoped(t *testing.T) {
	examID := uuid.New()
	assert.NotEqual(t, SessionRoom(examID), MonitorRoom(examID))
	assert.NotEqual(t, SessionRoom(examID), SessionRoom(uuid.New()))
}
