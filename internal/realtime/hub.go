package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/model"
	"github.com/invigilo/invigilo-backend/internal/validator"
	ws "github.com/invigilo/invigilo-backend/internal/websocket"
)

// ExamSource resolves exam metadata for join-time validation. The
// Postgres repository implements it.
type ExamSource interface {
	GetMetadata(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
}

// AnswerSink mirrors accepted answers to durable storage so a crash
// loses at most the in-flight answer. May be nil in tests.
type AnswerSink interface {
	RecordAnswer(ctx context.Context, sessionID, examID uuid.UUID, studentID int, ans model.Answer) error
}

// MonitorPublisher mirrors monitor-room events onto a shared channel
// so sibling processes can relay them to their own observers. May be
// nil in tests and single-node deployments.
type MonitorPublisher interface {
	PublishMonitorEvent(ctx context.Context, examID uuid.UUID, event string, payload any) error
}

const (
	externalCallTimeout = 3 * time.Second
	monitorQueueSize    = 256
)

// monitorFrame is one queued mirror publish for the Redis monitor
// channel.
type monitorFrame struct {
	examID  uuid.UUID
	event   string
	payload any
}

// connState is the hub's per-connection bookkeeping, written only by
// that connection's read pump.
type connState struct {
	principal Principal
	sessionID uuid.UUID
	examID    uuid.UUID
}

// Hub is the protocol coordinator: it owns the event dispatch for both
// the student and the monitoring surface, and implements the clock and
// sweeper sinks so every broadcast funnels through one place.
//
// Validation failures are answered only to the offending connection as
// exam_error or monitoring_error, never broadcast.
type Hub struct {
	registry  *Registry
	store     *Store
	rooms     *Rooms
	finalizer *Finalizer

	exams      ExamSource
	answers    AnswerSink
	monitorPub MonitorPublisher

	// monitorQueue feeds publishLoop; nil when monitorPub is nil.
	monitorQueue chan monitorFrame

	validate      *govalidator.Validate
	heartbeatSecs int
	now           func() time.Time
	log           zerolog.Logger

	mu        sync.Mutex // guards conns and completed
	conns     map[string]*connState
	completed map[uuid.UUID]int
}

// NewHub wires the coordinator. answers and monitorPub may be nil.
func NewHub(
	registry *Registry,
	store *Store,
	rooms *Rooms,
	finalizer *Finalizer,
	exams ExamSource,
	answers AnswerSink,
	monitorPub MonitorPublisher,
	heartbeatInterval time.Duration,
	now func() time.Time,
	log zerolog.Logger,
) *Hub {
	if now == nil {
		now = time.Now
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	h := &Hub{
		registry:      registry,
		store:         store,
		rooms:         rooms,
		finalizer:     finalizer,
		exams:         exams,
		answers:       answers,
		monitorPub:    monitorPub,
		validate:      validator.Instance(),
		heartbeatSecs: int(heartbeatInterval / time.Second),
		now:           now,
		log:           log.With().Str("component", "hub").Logger(),
		conns:         make(map[string]*connState),
		completed:     make(map[uuid.UUID]int),
	}
	if monitorPub != nil {
		h.monitorQueue = make(chan monitorFrame, monitorQueueSize)
		go h.publishLoop()
	}
	return h
}

func (h *Hub) lock()   { h.mu.Lock() }
func (h *Hub) unlock() { h.mu.Unlock() }

// Attach registers an authenticated connection. A student opening a
// second tab displaces the first: the old connection gets a
// multi_tab_warning and is closed, and any joined session migrates to
// the new connection immediately so the takeover never looks like a
// disconnect.
func (h *Hub) Attach(c Conn, p Principal) {
	displaced := h.registry.Register(c, p)

	h.lock()
	state := &connState{principal: p}
	if displaced != nil {
		if old, ok := h.conns[displaced.ID()]; ok && old.sessionID != uuid.Nil {
			state.sessionID = old.sessionID
			state.examID = old.examID
		}
		delete(h.conns, displaced.ID())
	}
	h.conns[c.ID()] = state
	h.unlock()

	if displaced != nil {
		displaced.Send(string(ws.EventMultiTabWarning), ws.MultiTabWarningPayload{
			Message:   "This exam was opened in another tab. This tab has been disconnected.",
			Timestamp: h.now().UTC().Format(time.RFC3339),
		})
		h.rooms.LeaveAll(displaced.ID())
		displaced.Close()

		if state.sessionID != uuid.Nil {
			if _, err := h.store.AttachConn(state.sessionID, c.ID()); err == nil {
				h.rooms.Join(SessionRoom(state.examID), c)
			}
		}
		h.log.Info().
			Str("conn_id", c.ID()).
			Int("principal_id", p.ID).
			Msg("Connection migrated after multi-tab takeover")
	}
}

// HandleDisconnect runs when a connection's read pump exits. The
// session, if any, transitions to disconnected only while this
// connection still owns it; a takeover that already rebound the
// session is left alone.
func (h *Hub) HandleDisconnect(c Conn) {
	h.lock()
	state := h.conns[c.ID()]
	delete(h.conns, c.ID())
	h.unlock()

	h.registry.Unregister(c.ID())
	h.rooms.LeaveAll(c.ID())

	if state == nil || state.principal.Role != RoleStudent || state.sessionID == uuid.Nil {
		return
	}

	snap, changed, err := h.store.DetachConn(state.sessionID, c.ID())
	if err != nil || !changed {
		return
	}
	h.log.Info().
		Str("session_id", snap.SessionID.String()).
		Str("status", string(snap.Status)).
		Msg("Student connection lost")
	h.monitorBroadcast(snap.ExamID, ws.EventStudentDisconnected, ws.SessionRefPayload{
		SessionID: snap.SessionID,
		ExamID:    snap.ExamID,
	})
}

// HandleMessage dispatches one inbound envelope. The event set is
// closed: anything outside it is answered with an error, never
// silently dropped.
func (h *Hub) HandleMessage(c Conn, env ws.Envelope) {
	h.lock()
	state := h.conns[c.ID()]
	h.unlock()
	if state == nil {
		return
	}

	switch env.Type {
	case ws.EventJoinExamSession:
		h.onJoinExamSession(c, state, env.Payload)
	case ws.EventStartExam:
		h.onStartExam(c, state, env.Payload)
	case ws.EventSubmitAnswer:
		h.onSubmitAnswer(c, state, env.Payload)
	case ws.EventUpdateProgress:
		h.onUpdateProgress(c, state, env.Payload)
	case ws.EventPauseExam:
		h.onPauseResume(c, state, EventPause)
	case ws.EventResumeExam:
		h.onPauseResume(c, state, EventResume)
	case ws.EventEndExam:
		h.onEndExam(c, state, env.Payload)
	case ws.EventReportSecurityFlag:
		h.onReportSecurityFlag(c, state, env.Payload)
	case ws.EventHeartbeat:
		h.onHeartbeat(c, state)

	case ws.EventJoinMonitoring:
		h.onJoinMonitoring(c, state, env.Payload)
	case ws.EventLeaveMonitoring:
		h.onLeaveMonitoring(c, state, env.Payload)
	case ws.EventRequestActiveSessions:
		h.onRequestActiveSessions(c, state, env.Payload)
	case ws.EventRequestScreenShare:
		h.onRequestScreenShare(c, state, env.Payload)

	default:
		h.log.Debug().Str("type", string(env.Type)).Msg("Unknown event type")
		if state.principal.Role == RoleObserver {
			c.Send(string(ws.EventMonitoringError), ws.ErrorPayload{Message: "Unknown event type"})
		} else {
			c.Send(string(ws.EventExamError), ws.ErrorPayload{Message: "Unknown event type"})
		}
	}
}

// ─── Student events ─────────────────────────────────────────────────

func (h *Hub) onJoinExamSession(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireStudent(c, state) {
		return
	}
	var p ws.JoinExamSessionPayload
	if !h.decodeStudent(c, raw, &p) {
		return
	}
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		h.examError(c, "Invalid exam id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	exam, err := h.exams.GetMetadata(ctx, examID)
	if err != nil {
		h.examError(c, "Exam not found")
		return
	}
	if exam.Status != model.ExamStatusPublished {
		h.examError(c, "Exam is not open")
		return
	}

	snap, resumed := h.store.CreateOrResume(exam, state.principal.ID, state.principal.Name, p.DeviceInfo, p.NetworkInfo)
	if _, err := h.store.AttachConn(snap.SessionID, c.ID()); err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}
	if snap.Status == model.SessionDisconnected {
		if s2, err := h.store.Transition(snap.SessionID, EventReconnect); err == nil {
			snap = s2
		}
	}

	h.lock()
	state.sessionID = snap.SessionID
	state.examID = snap.ExamID
	h.unlock()
	h.rooms.Join(SessionRoom(snap.ExamID), c)

	c.Send(string(ws.EventExamSessionJoined), ws.ExamSessionJoinedPayload{
		SessionID:     snap.SessionID,
		TimeRemaining: snap.TimeRemaining,
		Status:        string(snap.Status),
		Resumed:       resumed,
		Progress:      snap.Progress,
		Exam: ws.ExamSummary{
			ID:             exam.ID,
			Title:          exam.Title,
			DurationSecs:   exam.DurationSeconds,
			TotalQuestions: exam.TotalQuestions,
		},
		HeartbeatSecs: h.heartbeatSecs,
	})

	event := ws.EventStudentJoined
	if resumed {
		event = ws.EventStudentReconnected
	}
	h.monitorBroadcast(snap.ExamID, event, snap)

	h.log.Info().
		Str("session_id", snap.SessionID.String()).
		Str("exam_id", snap.ExamID.String()).
		Int("student_id", state.principal.ID).
		Bool("resumed", resumed).
		Msg("Student joined exam session")
}

func (h *Hub) onStartExam(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireStudent(c, state) {
		return
	}
	var p ws.StartExamPayload
	if !h.decodeStudent(c, raw, &p) {
		return
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil || sessionID != state.sessionID {
		h.examError(c, "Not allowed for this session")
		return
	}

	snap, err := h.store.Transition(sessionID, EventStart)
	if err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}

	c.Send(string(ws.EventTimeUpdate), ws.TimeUpdatePayload{TimeRemaining: snap.TimeRemaining})
	h.monitorBroadcast(snap.ExamID, ws.EventTimeUpdate, ws.TimeUpdatePayload{
		SessionID:     snap.SessionID.String(),
		ExamID:        snap.ExamID.String(),
		TimeRemaining: snap.TimeRemaining,
	})
	h.log.Info().Str("session_id", snap.SessionID.String()).Msg("Exam started")
}

func (h *Hub) onSubmitAnswer(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireStudent(c, state) {
		return
	}
	if state.sessionID == uuid.Nil {
		h.examError(c, "Join an exam session first")
		return
	}
	var p ws.SubmitAnswerPayload
	if !h.decodeStudent(c, raw, &p) {
		return
	}

	progress, err := h.store.SubmitAnswer(state.sessionID, p.QuestionID, p.Answer, p.TimeSpent)
	if err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}

	c.Send(string(ws.EventAnswerSubmitted), ws.AnswerSubmittedPayload{
		QuestionID: p.QuestionID,
		Progress:   progress,
	})
	h.monitorBroadcast(state.examID, ws.EventProgressUpdate, ws.ProgressUpdatePayload{
		SessionID: state.sessionID,
		ExamID:    state.examID,
		Progress:  progress,
	})

	if h.answers != nil {
		ans := model.Answer{QuestionID: p.QuestionID, Value: p.Answer, TimeSpent: p.TimeSpent, UpdatedAt: h.now()}
		sessionID, examID, studentID := state.sessionID, state.examID, state.principal.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
			defer cancel()
			if err := h.answers.RecordAnswer(ctx, sessionID, examID, studentID, ans); err != nil {
				h.log.Error().Err(err).
					Str("session_id", sessionID.String()).
					Str("question_id", ans.QuestionID).
					Msg("Failed to mirror answer")
			}
		}()
	}
}

func (h *Hub) onUpdateProgress(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireStudent(c, state) {
		return
	}
	if state.sessionID == uuid.Nil {
		h.examError(c, "Join an exam session first")
		return
	}
	var p ws.UpdateProgressPayload
	if !h.decodeStudent(c, raw, &p) {
		return
	}

	progress, err := h.store.UpdateProgress(state.sessionID, model.Progress{
		CurrentQuestion:   p.CurrentQuestion,
		TotalQuestions:    p.TotalQuestions,
		AnsweredQuestions: p.AnsweredQuestions,
	})
	if err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}

	h.monitorBroadcast(state.examID, ws.EventProgressUpdate, ws.ProgressUpdatePayload{
		SessionID: state.sessionID,
		ExamID:    state.examID,
		Progress:  progress,
	})
}

func (h *Hub) onPauseResume(c Conn, state *connState, ev Event) {
	if !h.requireStudent(c, state) {
		return
	}
	if state.sessionID == uuid.Nil {
		h.examError(c, "Join an exam session first")
		return
	}

	snap, err := h.store.Transition(state.sessionID, ev)
	if err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}

	c.Send(string(ws.EventTimeUpdate), ws.TimeUpdatePayload{TimeRemaining: snap.TimeRemaining})
	h.monitorBroadcast(snap.ExamID, ws.EventTimeUpdate, ws.TimeUpdatePayload{
		SessionID:     snap.SessionID.String(),
		ExamID:        snap.ExamID.String(),
		TimeRemaining: snap.TimeRemaining,
	})
	h.log.Info().
		Str("session_id", snap.SessionID.String()).
		Str("status", string(snap.Status)).
		Msg("Session pause state changed")
}

func (h *Hub) onEndExam(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireStudent(c, state) {
		return
	}
	var p ws.EndExamPayload
	if !h.decodeStudent(c, raw, &p) {
		return
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil || sessionID != state.sessionID {
		h.examError(c, "Not allowed for this session")
		return
	}

	subType := model.SubmissionManual
	switch model.SubmissionType(p.SubmissionType) {
	case model.SubmissionNormal, model.SubmissionManual, model.SubmissionAuto:
		subType = model.SubmissionType(p.SubmissionType)
	case "":
	default:
		h.examError(c, "Invalid submission type")
		return
	}

	snap, err := h.store.End(sessionID, subType, p.FinalScore)
	if err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}

	c.Send(string(ws.EventExamEnded), ws.ExamEndedPayload{
		SessionID:      snap.SessionID,
		ExamID:         snap.ExamID,
		SubmissionType: string(snap.SubmissionType),
		FinalScore:     snap.FinalScore,
		TimeRemaining:  snap.TimeRemaining,
	})
	h.rooms.Leave(SessionRoom(snap.ExamID), c.ID())
	h.finishSession(snap)

	h.log.Info().
		Str("session_id", snap.SessionID.String()).
		Str("submission_type", string(snap.SubmissionType)).
		Msg("Exam ended by student")
}

func (h *Hub) onReportSecurityFlag(c Conn, state *connState, raw json.RawMessage) {
	var p ws.ReportSecurityFlagPayload
	observer := state.principal.Role == RoleObserver
	if observer {
		if !h.decodeObserver(c, raw, &p) {
			return
		}
	} else if !h.decodeStudent(c, raw, &p) {
		return
	}

	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		h.roleError(c, observer, "Invalid session id")
		return
	}
	if !observer && sessionID != state.sessionID {
		h.examError(c, "Not allowed for this session")
		return
	}

	severity := p.Severity
	if severity == "" {
		severity = "medium"
	}
	flag := model.SecurityFlag{
		Type:      p.FlagType,
		Severity:  severity,
		Details:   p.Details,
		Timestamp: h.now(),
	}

	snap, err := h.store.AppendSecurityFlag(sessionID, flag)
	if err != nil {
		if observer {
			h.monitoringError(c, observerErrMsg(err))
		} else {
			h.examError(c, studentErrMsg(err))
		}
		return
	}

	h.monitorBroadcast(snap.ExamID, ws.EventSecurityAlert, ws.SecurityAlertPayload{
		SessionID: snap.SessionID,
		ExamID:    snap.ExamID,
		Student:   snap.Student,
		Flag:      flag,
	})
	h.log.Warn().
		Str("session_id", snap.SessionID.String()).
		Str("flag_type", flag.Type).
		Str("severity", flag.Severity).
		Msg("Security flag recorded")
}

func (h *Hub) onHeartbeat(c Conn, state *connState) {
	if !h.requireStudent(c, state) {
		return
	}
	if state.sessionID == uuid.Nil {
		h.examError(c, "Join an exam session first")
		return
	}

	status, err := h.store.Heartbeat(state.sessionID)
	if err != nil {
		h.examError(c, studentErrMsg(err))
		return
	}
	if status == model.SessionDisconnected {
		if snap, err := h.store.Transition(state.sessionID, EventReconnect); err == nil {
			h.monitorBroadcast(snap.ExamID, ws.EventStudentReconnected, snap)
		}
	}

	c.Send(string(ws.EventHeartbeatAck), ws.HeartbeatAckPayload{
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// ─── Monitoring events ──────────────────────────────────────────────

func (h *Hub) onJoinMonitoring(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireObserver(c, state) {
		return
	}
	var p ws.MonitoringPayload
	if !h.decodeObserver(c, raw, &p) {
		return
	}
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		h.monitoringError(c, "Invalid exam id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	if _, err := h.exams.GetMetadata(ctx, examID); err != nil {
		h.monitoringError(c, "Exam not found")
		return
	}

	h.rooms.Join(MonitorRoom(examID), c)

	// The snapshot is sent after joining the room, so any state change
	// from here on reaches this observer as an incremental event.
	snaps := h.store.SnapshotExam(examID)
	c.Send(string(ws.EventMonitoringJoined), ws.MonitoringJoinedPayload{
		ExamID:         examID,
		ActiveSessions: snaps,
		Stats:          h.stats(examID, snaps),
	})
	h.log.Info().
		Str("exam_id", examID.String()).
		Int("observer_id", state.principal.ID).
		Msg("Observer joined monitoring")
}

func (h *Hub) onLeaveMonitoring(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireObserver(c, state) {
		return
	}
	var p ws.MonitoringPayload
	if !h.decodeObserver(c, raw, &p) {
		return
	}
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		h.monitoringError(c, "Invalid exam id")
		return
	}
	h.rooms.Leave(MonitorRoom(examID), c.ID())
}

func (h *Hub) onRequestActiveSessions(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireObserver(c, state) {
		return
	}
	var p ws.MonitoringPayload
	if !h.decodeObserver(c, raw, &p) {
		return
	}
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		h.monitoringError(c, "Invalid exam id")
		return
	}

	c.Send(string(ws.EventActiveSessionsResponse), ws.ActiveSessionsResponsePayload{
		ExamID:   examID,
		Sessions: h.store.SnapshotExam(examID),
	})
}

func (h *Hub) onRequestScreenShare(c Conn, state *connState, raw json.RawMessage) {
	if !h.requireObserver(c, state) {
		return
	}
	var p ws.RequestScreenSharePayload
	if !h.decodeObserver(c, raw, &p) {
		return
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		h.monitoringError(c, "Invalid session id")
		return
	}

	snap, err := h.store.Get(sessionID)
	if err != nil {
		h.monitoringError(c, observerErrMsg(err))
		return
	}
	student, ok := h.registry.ConnByPrincipal(RoleStudent, snap.StudentID)
	if !ok {
		h.monitoringError(c, "Student is not connected")
		return
	}
	student.Send(string(ws.EventScreenShareRequested), ws.ScreenShareRequestedPayload{
		SessionID: snap.SessionID,
		Observer:  state.principal.Name,
	})
}

// ─── Clock and sweeper sinks ────────────────────────────────────────

// ClockTick pushes the authoritative remaining time to the student and
// the exam's monitor room.
func (h *Hub) ClockTick(snap *model.SessionSnapshot) {
	if student, ok := h.registry.ConnByPrincipal(RoleStudent, snap.StudentID); ok {
		student.Send(string(ws.EventTimeUpdate), ws.TimeUpdatePayload{TimeRemaining: snap.TimeRemaining})
	}
	h.rooms.Broadcast(MonitorRoom(snap.ExamID), string(ws.EventTimeUpdate), ws.TimeUpdatePayload{
		SessionID:     snap.SessionID.String(),
		ExamID:        snap.ExamID.String(),
		TimeRemaining: snap.TimeRemaining,
	})
}

// ClockExpired completes a timed-out session: the student is told the
// exam ended, observers see the student leave, and the attempt is
// finalized.
func (h *Hub) ClockExpired(snap *model.SessionSnapshot) {
	if student, ok := h.registry.ConnByPrincipal(RoleStudent, snap.StudentID); ok {
		student.Send(string(ws.EventExamEnded), ws.ExamEndedPayload{
			SessionID:      snap.SessionID,
			ExamID:         snap.ExamID,
			SubmissionType: string(snap.SubmissionType),
			TimeRemaining:  0,
		})
		h.rooms.Leave(SessionRoom(snap.ExamID), student.ID())
	}
	h.finishSession(snap)
	h.log.Info().Str("session_id", snap.SessionID.String()).Msg("Session completed by clock expiry")
}

// SweepDisconnected announces a heartbeat-detected disconnection.
func (h *Hub) SweepDisconnected(snap *model.SessionSnapshot) {
	h.monitorBroadcast(snap.ExamID, ws.EventStudentDisconnected, ws.SessionRefPayload{
		SessionID: snap.SessionID,
		ExamID:    snap.ExamID,
	})
}

// SweepTerminated finalizes a session whose reconnect grace ran out.
func (h *Hub) SweepTerminated(snap *model.SessionSnapshot) {
	h.finishSession(snap)
	h.log.Info().Str("session_id", snap.SessionID.String()).Msg("Session terminated after grace window")
}

// ─── Administrative actions ─────────────────────────────────────────

// ForceTerminate ends a session from any non-terminal state. This is
// the administrative override behind the admin REST surface; the wire
// protocol itself has no event for it. The student, if connected, is
// told the exam ended, observers see the student leave, and the
// attempt is finalized as a forfeit.
func (h *Hub) ForceTerminate(sessionID uuid.UUID) (*model.SessionSnapshot, error) {
	snap, err := h.store.Transition(sessionID, EventForceTerminate)
	if err != nil {
		return nil, err
	}
	if student, ok := h.registry.ConnByPrincipal(RoleStudent, snap.StudentID); ok {
		student.Send(string(ws.EventExamEnded), ws.ExamEndedPayload{
			SessionID:      snap.SessionID,
			ExamID:         snap.ExamID,
			SubmissionType: string(snap.SubmissionType),
			TimeRemaining:  snap.TimeRemaining,
		})
		h.rooms.Leave(SessionRoom(snap.ExamID), student.ID())
	}
	h.finishSession(snap)
	h.log.Warn().Str("session_id", snap.SessionID.String()).Msg("Session force-terminated by administrator")
	return snap, nil
}

// ─── Helpers ────────────────────────────────────────────────────────

// finishSession is the single exit path for terminal sessions:
// observers learn the student left, the completion counter moves, and
// the attempt goes to the finalizer.
func (h *Hub) finishSession(snap *model.SessionSnapshot) {
	h.monitorBroadcast(snap.ExamID, ws.EventStudentLeft, ws.SessionRefPayload{
		SessionID: snap.SessionID,
		ExamID:    snap.ExamID,
	})
	if snap.Status == model.SessionCompleted {
		h.lock()
		h.completed[snap.ExamID]++
		h.unlock()
	}
	h.finalizer.Finalize(snap)
}

func (h *Hub) stats(examID uuid.UUID, snaps []*model.SessionSnapshot) ws.MonitoringStats {
	stats := ws.MonitoringStats{TotalJoined: len(snaps)}
	for _, s := range snaps {
		if s.Status == model.SessionActive || s.Status == model.SessionPaused {
			stats.TotalInProgress++
		}
	}
	h.lock()
	stats.TotalCompleted = h.completed[examID]
	h.unlock()
	stats.TotalJoined += stats.TotalCompleted
	return stats
}

func (h *Hub) monitorBroadcast(examID uuid.UUID, event ws.EventType, payload any) {
	h.rooms.Broadcast(MonitorRoom(examID), string(event), payload)

	if h.monitorQueue == nil {
		return
	}
	select {
	case h.monitorQueue <- monitorFrame{examID: examID, event: string(event), payload: payload}:
	default:
		h.log.Warn().
			Str("exam_id", examID.String()).
			Str("event", string(event)).
			Msg("Monitor mirror queue full, event dropped")
	}
}

// publishLoop drains the mirror queue. A single consumer keeps the
// Redis channel in the same order in-process observers saw, which the
// one-goroutine-per-event approach could not guarantee.
func (h *Hub) publishLoop() {
	for frame := range h.monitorQueue {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		err := h.monitorPub.PublishMonitorEvent(ctx, frame.examID, frame.event, frame.payload)
		cancel()
		if err != nil {
			h.log.Error().Err(err).
				Str("exam_id", frame.examID.String()).
				Str("event", frame.event).
				Msg("Failed to publish monitor event")
		}
	}
}

func (h *Hub) requireStudent(c Conn, state *connState) bool {
	if state.principal.Role != RoleStudent {
		h.monitoringError(c, "Exam events require a student connection")
		return false
	}
	return true
}

func (h *Hub) requireObserver(c Conn, state *connState) bool {
	if state.principal.Role != RoleObserver {
		h.examError(c, "Monitoring events require an observer connection")
		return false
	}
	return true
}

func (h *Hub) decodeStudent(c Conn, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		h.examError(c, "Malformed payload")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.examError(c, validationMessage(err))
		return false
	}
	return true
}

func (h *Hub) decodeObserver(c Conn, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		h.monitoringError(c, "Malformed payload")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.monitoringError(c, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	fields := validator.TranslateErrors(err)
	parts := make([]string, 0, len(fields))
	for name, msg := range fields {
		parts = append(parts, name+": "+msg)
	}
	sort.Strings(parts)
	return "Invalid payload: " + strings.Join(parts, "; ")
}

func (h *Hub) examError(c Conn, msg string) {
	c.Send(string(ws.EventExamError), ws.ErrorPayload{Message: msg})
}

func (h *Hub) monitoringError(c Conn, msg string) {
	c.Send(string(ws.EventMonitoringError), ws.ErrorPayload{Message: msg})
}

func (h *Hub) roleError(c Conn, observer bool, msg string) {
	if observer {
		h.monitoringError(c, msg)
	} else {
		h.examError(c, msg)
	}
}

func studentErrMsg(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, ErrExamNotFound):
		return "Exam not found"
	case errors.Is(err, ErrNotStarted):
		return "Exam has not been started"
	case errors.Is(err, ErrProgressRollback):
		return "Progress cannot move backwards"
	case errors.Is(err, ErrInvalidTransition):
		return "Operation not allowed in the current session state"
	case errors.Is(err, ErrUnauthorized):
		return "Not allowed for this session"
	default:
		return "Internal error"
	}
}

func observerErrMsg(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, ErrExamNotFound):
		return "Exam not found"
	case errors.Is(err, ErrInvalidTransition):
		return "Session already finished"
	default:
		return "Internal error"
	}
}
