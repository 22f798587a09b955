package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigilo/invigilo-backend/internal/model"
	ws "github.com/invigilo/invigilo-backend/internal/websocket"
)

type fakeExamSource struct {
	exams map[uuid.UUID]*model.Exam
}

func (s *fakeExamSource) GetMetadata(_ context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, ok := s.exams[examID]
	if !ok {
		return nil, ErrExamNotFound
	}
	return exam, nil
}

type recordedAnswer struct {
	SessionID uuid.UUID
	Answer    model.Answer
}

type fakeAnswerSink struct {
	ch chan recordedAnswer
}

func (s *fakeAnswerSink) RecordAnswer(_ context.Context, sessionID, _ uuid.UUID, _ int, ans model.Answer) error {
	s.ch <- recordedAnswer{SessionID: sessionID, Answer: ans}
	return nil
}

type hubFixture struct {
	hub      *Hub
	store    *Store
	registry *Registry
	rooms    *Rooms
	clk      *fakeClock
	exam     *model.Exam
	answers  *fakeAnswerSink
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	clk := newFakeClock()
	store := NewStore(clk.Now, zerolog.Nop())
	registry := NewRegistry(zerolog.Nop())
	rooms := NewRooms(zerolog.Nop())
	finalizer := NewFinalizer(store, &fakePersister{}, nil, 3, time.Millisecond, zerolog.Nop())

	exam := testExam()
	source := &fakeExamSource{exams: map[uuid.UUID]*model.Exam{exam.ID: exam}}
	answers := &fakeAnswerSink{ch: make(chan recordedAnswer, 16)}

	hub := NewHub(registry, store, rooms, finalizer, source, answers, nil, 30*time.Second, clk.Now, zerolog.Nop())
	return &hubFixture{
		hub:      hub,
		store:    store,
		registry: registry,
		rooms:    rooms,
		clk:      clk,
		exam:     exam,
		answers:  answers,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func (f *hubFixture) startExam(c Conn, sessionID uuid.UUID) {
	f.send(c, ws.EventStartExam, ws.StartExamPayload{
		ExamID:    f.exam.ID.String(),
		SessionID: sessionID.String(),
	})
}

func (f *hubFixture) send(c Conn, event ws.EventType, payload any) {
	raw := json.RawMessage("{}")
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	f.hub.HandleMessage(c, ws.Envelope{Type: event, Payload: raw})
}

func studentPrincipal(id int, name string) Principal {
	return Principal{ID: id, Role: RoleStudent, Name: name}
}

func observerPrincipal(id int, name string) Principal {
	return Principal{ID: id, Role: RoleObserver, Name: name}
}

// joinStudent attaches a fresh student connection and joins it to the
// fixture exam, asserting the join reply arrived.
func (f *hubFixture) joinStudent(t *testing.T, connID string, studentID int, name string) *fakeConn {
	t.Helper()
	c := newFakeConn(connID)
	f.hub.Attach(c, studentPrincipal(studentID, name))
	f.send(c, ws.EventJoinExamSession, ws.JoinExamSessionPayload{ExamID: f.exam.ID.String()})
	require.Contains(t, c.events(), string(ws.EventExamSessionJoined))
	return c
}

func (f *hubFixture) joinObserver(t *testing.T, connID string, observerID int) *fakeConn {
	t.Helper()
	c := newFakeConn(connID)
	f.hub.Attach(c, observerPrincipal(observerID, "Proctor"))
	f.send(c, ws.EventJoinMonitoring, ws.MonitoringPayload{ExamID: f.exam.ID.String()})
	require.Contains(t, c.events(), string(ws.EventMonitoringJoined))
	return c
}

func (f *hubFixture) sessionFor(t *testing.T, studentID int) *model.SessionSnapshot {
	t.Helper()
	snap, err := f.store.GetByExamAndStudent(f.exam.ID, studentID)
	require.NoError(t, err)
	return snap
}

func TestHubJoinExamSession(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)

	student := f.joinStudent(t, "c1", 7, "Alice")

	joined, ok := student.lastPayload(string(ws.EventExamSessionJoined)).(ws.ExamSessionJoinedPayload)
	require.True(t, ok)
	assert.False(t, joined.Resumed)
	assert.Equal(t, "waiting", joined.Status)
	assert.Equal(t, 600, joined.TimeRemaining)
	assert.Equal(t, f.exam.ID, joined.Exam.ID)
	assert.Equal(t, 20, joined.Exam.TotalQuestions)
	assert.Equal(t, 30, joined.HeartbeatSecs)

	assert.Contains(t, observer.events(), string(ws.EventStudentJoined))
}

func TestHubJoinRejectsUnpublishedExam(t *testing.T) {
	f := newHubFixture(t)
	f.exam.Status = model.ExamStatusClosed

	c := newFakeConn("c1")
	f.hub.Attach(c, studentPrincipal(7, "Alice"))
	f.send(c, ws.EventJoinExamSession, ws.JoinExamSessionPayload{ExamID: f.exam.ID.String()})

	assert.Equal(t, []string{string(ws.EventExamError)}, c.events())
}

func TestHubJoinUnknownExam(t *testing.T) {
	f := newHubFixture(t)
	c := newFakeConn("c1")
	f.hub.Attach(c, studentPrincipal(7, "Alice"))
	f.send(c, ws.EventJoinExamSession, ws.JoinExamSessionPayload{ExamID: uuid.New().String()})

	errPayload, ok := c.lastPayload(string(ws.EventExamError)).(ws.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "Exam not found", errPayload.Message)
}

func TestHubStartExamBroadcastsTime(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)

	f.startExam(student, snap.SessionID)

	tu, ok := student.lastPayload(string(ws.EventTimeUpdate)).(ws.TimeUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, 600, tu.TimeRemaining)
	assert.Contains(t, observer.events(), string(ws.EventTimeUpdate))
}

func TestHubStartRejectsForeignSession(t *testing.T) {
	f := newHubFixture(t)
	student := f.joinStudent(t, "c1", 7, "Alice")
	other := f.joinStudent(t, "c2", 8, "Bob")
	otherSnap := f.sessionFor(t, 8)

	f.startExam(student, otherSnap.SessionID)

	errPayload, ok := student.lastPayload(string(ws.EventExamError)).(ws.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "Not allowed for this session", errPayload.Message)
	assert.NotContains(t, other.events(), string(ws.EventTimeUpdate))
}

func TestHubSubmitAnswerFlows(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	f.send(student, ws.EventSubmitAnswer, ws.SubmitAnswerPayload{
		QuestionID: "q1",
		Answer:     "B",
		TimeSpent:  12,
	})

	submitted, ok := student.lastPayload(string(ws.EventAnswerSubmitted)).(ws.AnswerSubmittedPayload)
	require.True(t, ok)
	assert.Equal(t, "q1", submitted.QuestionID)
	assert.Equal(t, 1, submitted.Progress.AnsweredQuestions)

	pu, ok := observer.lastPayload(string(ws.EventProgressUpdate)).(ws.ProgressUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, snap.SessionID, pu.SessionID)
	assert.Equal(t, 1, pu.Progress.AnsweredQuestions)

	// The accepted answer is mirrored to durable storage off the hot path.
	select {
	case rec := <-f.answers.ch:
		assert.Equal(t, snap.SessionID, rec.SessionID)
		assert.Equal(t, "q1", rec.Answer.QuestionID)
		assert.Equal(t, "B", rec.Answer.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("answer was never mirrored")
	}
}

func TestHubSubmitAnswerBeforeJoin(t *testing.T) {
	f := newHubFixture(t)
	c := newFakeConn("c1")
	f.hub.Attach(c, studentPrincipal(7, "Alice"))

	f.send(c, ws.EventSubmitAnswer, ws.SubmitAnswerPayload{QuestionID: "q1", Answer: "B"})

	errPayload, ok := c.lastPayload(string(ws.EventExamError)).(ws.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "Join an exam session first", errPayload.Message)
}

func TestHubHeartbeatAckAndReconnect(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	f.send(student, ws.EventHeartbeat, nil)
	ack, ok := student.lastPayload(string(ws.EventHeartbeatAck)).(ws.HeartbeatAckPayload)
	require.True(t, ok)
	assert.NotEmpty(t, ack.Timestamp)

	// A heartbeat arriving while the session is marked disconnected
	// revives it and tells the observers.
	_, err := f.store.Transition(snap.SessionID, EventHeartbeatTimeout)
	require.NoError(t, err)
	f.send(student, ws.EventHeartbeat, nil)

	got, _ := f.store.Get(snap.SessionID)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.Contains(t, observer.events(), string(ws.EventStudentReconnected))
}

func TestHubEndExamFinalizes(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	score := 92.5
	f.send(student, ws.EventEndExam, ws.EndExamPayload{
		ExamID:         f.exam.ID.String(),
		SessionID:      snap.SessionID.String(),
		SubmissionType: "manual",
		FinalScore:     &score,
	})

	ended, ok := student.lastPayload(string(ws.EventExamEnded)).(ws.ExamEndedPayload)
	require.True(t, ok)
	assert.Equal(t, "manual", ended.SubmissionType)
	require.NotNil(t, ended.FinalScore)
	assert.Equal(t, 92.5, *ended.FinalScore)

	assert.Contains(t, observer.events(), string(ws.EventStudentLeft))

	// The finalizer removes the persisted attempt from the live store.
	waitFinalizer(t, f.hub.finalizer)
	_, err := f.store.Get(snap.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHubEndExamRejectsUnknownSubmissionType(t *testing.T) {
	f := newHubFixture(t)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	f.send(student, ws.EventEndExam, ws.EndExamPayload{
		ExamID:         f.exam.ID.String(),
		SessionID:      snap.SessionID.String(),
		SubmissionType: "forfeited",
	})

	errPayload, ok := student.lastPayload(string(ws.EventExamError)).(ws.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "Invalid submission type", errPayload.Message)
	got, _ := f.store.Get(snap.SessionID)
	assert.Equal(t, model.SessionActive, got.Status)
}

func TestHubMultiTabTakeoverMigratesSession(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	old := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(old, snap.SessionID)

	fresh := newFakeConn("c2")
	f.hub.Attach(fresh, studentPrincipal(7, "Alice"))

	assert.Contains(t, old.events(), string(ws.EventMultiTabWarning))
	assert.True(t, old.isClosed())

	// The displaced socket's read pump exits; that must not disconnect
	// the migrated session.
	f.hub.HandleDisconnect(old)
	got, err := f.store.Get(snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.NotContains(t, observer.events(), string(ws.EventStudentDisconnected))

	// The new tab keeps operating without rejoining.
	f.send(fresh, ws.EventHeartbeat, nil)
	assert.Contains(t, fresh.events(), string(ws.EventHeartbeatAck))
}

func TestHubDisconnectMarksSessionAndNotifiesMonitors(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	f.hub.HandleDisconnect(student)

	got, _ := f.store.Get(snap.SessionID)
	assert.Equal(t, model.SessionDisconnected, got.Status)

	ref, ok := observer.lastPayload(string(ws.EventStudentDisconnected)).(ws.SessionRefPayload)
	require.True(t, ok)
	assert.Equal(t, snap.SessionID, ref.SessionID)
}

func TestHubMonitoringJoinSendsSnapshotAndStats(t *testing.T) {
	f := newHubFixture(t)
	alice := f.joinStudent(t, "c1", 7, "Alice")
	f.joinStudent(t, "c2", 8, "Bob")
	aliceSnap := f.sessionFor(t, 7)
	f.startExam(alice, aliceSnap.SessionID)

	observer := f.joinObserver(t, "obs", 100)

	joined, ok := observer.lastPayload(string(ws.EventMonitoringJoined)).(ws.MonitoringJoinedPayload)
	require.True(t, ok)
	assert.Equal(t, f.exam.ID, joined.ExamID)
	assert.Len(t, joined.ActiveSessions, 2)
	assert.Equal(t, 2, joined.Stats.TotalJoined)
	assert.Equal(t, 1, joined.Stats.TotalInProgress)
	assert.Equal(t, 0, joined.Stats.TotalCompleted)
}

func TestHubRequestActiveSessions(t *testing.T) {
	f := newHubFixture(t)
	f.joinStudent(t, "c1", 7, "Alice")
	observer := f.joinObserver(t, "obs", 100)

	f.send(observer, ws.EventRequestActiveSessions, ws.MonitoringPayload{ExamID: f.exam.ID.String()})

	resp, ok := observer.lastPayload(string(ws.EventActiveSessionsResponse)).(ws.ActiveSessionsResponsePayload)
	require.True(t, ok)
	assert.Equal(t, f.exam.ID, resp.ExamID)
	assert.Len(t, resp.Sessions, 1)
}

func TestHubLeaveMonitoringStopsBroadcasts(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)

	f.send(observer, ws.EventLeaveMonitoring, ws.MonitoringPayload{ExamID: f.exam.ID.String()})
	before := len(observer.events())

	f.joinStudent(t, "c1", 7, "Alice")
	assert.Len(t, observer.events(), before)
}

func TestHubSecurityFlagFromStudent(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)

	f.send(student, ws.EventReportSecurityFlag, ws.ReportSecurityFlagPayload{
		ExamID:    f.exam.ID.String(),
		SessionID: snap.SessionID.String(),
		FlagType:  "tab_switch",
		Details:   "visibilitychange fired",
	})

	alert, ok := observer.lastPayload(string(ws.EventSecurityAlert)).(ws.SecurityAlertPayload)
	require.True(t, ok)
	assert.Equal(t, snap.SessionID, alert.SessionID)
	assert.Equal(t, "tab_switch", alert.Flag.Type)
	assert.Equal(t, "medium", alert.Flag.Severity)

	got, _ := f.store.Get(snap.SessionID)
	require.Len(t, got.SecurityFlags, 1)
}

func TestHubSecurityFlagStudentCannotFlagOthers(t *testing.T) {
	f := newHubFixture(t)
	student := f.joinStudent(t, "c1", 7, "Alice")
	f.joinStudent(t, "c2", 8, "Bob")
	bobSnap := f.sessionFor(t, 8)

	f.send(student, ws.EventReportSecurityFlag, ws.ReportSecurityFlagPayload{
		ExamID:    f.exam.ID.String(),
		SessionID: bobSnap.SessionID.String(),
		FlagType:  "tab_switch",
	})

	errPayload, ok := student.lastPayload(string(ws.EventExamError)).(ws.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "Not allowed for this session", errPayload.Message)
	got, _ := f.store.Get(bobSnap.SessionID)
	assert.Empty(t, got.SecurityFlags)
}

func TestHubSecurityFlagFromObserver(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)

	f.send(observer, ws.EventReportSecurityFlag, ws.ReportSecurityFlagPayload{
		ExamID:    f.exam.ID.String(),
		SessionID: snap.SessionID.String(),
		FlagType:  "suspicious_behavior",
		Severity:  "high",
	})

	got, _ := f.store.Get(snap.SessionID)
	require.Len(t, got.SecurityFlags, 1)
	assert.Equal(t, "high", got.SecurityFlags[0].Severity)
}

func TestHubScreenShareRelay(t *testing.T) {
	f := newHubFixture(t)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	observer := f.joinObserver(t, "obs", 100)

	f.send(observer, ws.EventRequestScreenShare, ws.RequestScreenSharePayload{
		SessionID: snap.SessionID.String(),
	})

	req, ok := student.lastPayload(string(ws.EventScreenShareRequested)).(ws.ScreenShareRequestedPayload)
	require.True(t, ok)
	assert.Equal(t, snap.SessionID, req.SessionID)
	assert.Equal(t, "Proctor", req.Observer)
}

func TestHubRoleGuards(t *testing.T) {
	f := newHubFixture(t)
	student := newFakeConn("c1")
	f.hub.Attach(student, studentPrincipal(7, "Alice"))
	observer := newFakeConn("obs")
	f.hub.Attach(observer, observerPrincipal(100, "Proctor"))

	f.send(student, ws.EventJoinMonitoring, ws.MonitoringPayload{ExamID: f.exam.ID.String()})
	assert.Contains(t, student.events(), string(ws.EventExamError))

	f.send(observer, ws.EventStartExam, ws.StartExamPayload{
		ExamID:    f.exam.ID.String(),
		SessionID: uuid.New().String(),
	})
	assert.Contains(t, observer.events(), string(ws.EventMonitoringError))
}

func TestHubUnknownEventType(t *testing.T) {
	f := newHubFixture(t)
	c := newFakeConn("c1")
	f.hub.Attach(c, studentPrincipal(7, "Alice"))

	f.hub.HandleMessage(c, ws.Envelope{Type: "do_backflip", Payload: mustJSON(t, map[string]string{})})

	errPayload, ok := c.lastPayload(string(ws.EventExamError)).(ws.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "Unknown event type", errPayload.Message)
}

func TestHubClockExpiryEndsExam(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	f.clk.Advance(601 * time.Second)
	expired, ok, err := f.store.ExpireClock(snap.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	f.hub.ClockExpired(expired)

	ended, found := student.lastPayload(string(ws.EventExamEnded)).(ws.ExamEndedPayload)
	require.True(t, found)
	assert.Equal(t, "timeout", ended.SubmissionType)
	assert.Equal(t, 0, ended.TimeRemaining)
	assert.Contains(t, observer.events(), string(ws.EventStudentLeft))
}

func TestHubForceTerminateEndsSession(t *testing.T) {
	f := newHubFixture(t)
	observer := f.joinObserver(t, "obs", 100)
	student := f.joinStudent(t, "c1", 7, "Alice")
	snap := f.sessionFor(t, 7)
	f.startExam(student, snap.SessionID)

	got, err := f.hub.ForceTerminate(snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionTerminated, got.Status)
	assert.Equal(t, model.SubmissionForfeited, got.SubmissionType)

	ended, ok := student.lastPayload(string(ws.EventExamEnded)).(ws.ExamEndedPayload)
	require.True(t, ok)
	assert.Equal(t, string(model.SubmissionForfeited), ended.SubmissionType)
	assert.Contains(t, observer.events(), string(ws.EventStudentLeft))

	// The attempt is finalized and leaves the live store.
	waitFinalizer(t, f.hub.finalizer)
	_, err = f.store.Get(snap.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.hub.ForceTerminate(snap.SessionID)
	assert.Error(t, err)
}

type recordingMonitorPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *recordingMonitorPublisher) PublishMonitorEvent(_ context.Context, _ uuid.UUID, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingMonitorPublisher) snapshot() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.payloads))
	copy(out, p.payloads)
	return out
}

func TestHubMonitorMirrorPreservesOrder(t *testing.T) {
	clk := newFakeClock()
	store := NewStore(clk.Now, zerolog.Nop())
	registry := NewRegistry(zerolog.Nop())
	rooms := NewRooms(zerolog.Nop())
	finalizer := NewFinalizer(store, &fakePersister{}, nil, 3, time.Millisecond, zerolog.Nop())
	exam := testExam()
	source := &fakeExamSource{exams: map[uuid.UUID]*model.Exam{exam.ID: exam}}
	pub := &recordingMonitorPublisher{}
	hub := NewHub(registry, store, rooms, finalizer, source, nil, pub, 30*time.Second, clk.Now, zerolog.Nop())

	const frames = 50
	for i := 0; i < frames; i++ {
		hub.monitorBroadcast(exam.ID, ws.EventProgressUpdate, i)
	}

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == frames
	}, 2*time.Second, 5*time.Millisecond)

	for i, payload := range pub.snapshot() {
		assert.Equal(t, i, payload)
	}
}
