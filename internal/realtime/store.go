package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/model"
)

// Event drives the session state machine. The set is closed: the
// dispatch switch in transitionLocked is exhaustive and anything else
// is an invalid transition.
type Event string

const (
	EventStart            Event = "start"
	EventHeartbeatTimeout Event = "heartbeat_timeout"
	EventReconnect        Event = "reconnect"
	EventGraceExpired     Event = "grace_expired"
	EventPause            Event = "pause"
	EventResume           Event = "resume"
	EventClockExpired     Event = "clock_expired"
	EventEnd              Event = "end"
	EventForceTerminate   Event = "force_terminate"
)

type pairKey struct {
	examID    uuid.UUID
	studentID int
}

// Store is the authoritative in-memory map of active sessions: the
// single source of truth for "is this attempt active". Records leave
// the store only on finalization; history lives in Postgres.
//
// Locking: the store-level mutex guards the maps and the
// one-non-terminal-session-per-(exam,student) invariant; each record's
// own mutex serializes every mutation for that session. Cross-session
// operations proceed fully in parallel.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.Session
	byPair   map[pairKey]uuid.UUID
	now      func() time.Time
	log      zerolog.Logger
}

// NewStore creates an empty session store. The now function is
// injectable so timer behavior is deterministic in tests.
func NewStore(now func() time.Time, log zerolog.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[uuid.UUID]*model.Session),
		byPair:   make(map[pairKey]uuid.UUID),
		now:      now,
		log:      log.With().Str("component", "session_store").Logger(),
	}
}

// CreateOrResume returns the existing non-terminal session for
// (examID, studentID) unchanged, or creates a fresh waiting one.
// Concurrent joins for the same pair always converge on a single
// session id; conflict is resolved by resume, never by rejection.
func (st *Store) CreateOrResume(exam *model.Exam, studentID int, studentName string, deviceInfo, networkInfo json.RawMessage) (snap *model.SessionSnapshot, resumed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := pairKey{examID: exam.ID, studentID: studentID}
	if id, ok := st.byPair[key]; ok {
		if s, ok := st.sessions[id]; ok {
			s.Mu.Lock()
			defer s.Mu.Unlock()
			if !s.Status.Terminal() {
				return st.snapshotLocked(s), true
			}
		}
	}

	now := st.now()
	s := &model.Session{
		ID:              uuid.New(),
		ExamID:          exam.ID,
		StudentID:       studentID,
		Student:         studentName,
		Status:          model.SessionWaiting,
		ConnState:       model.ConnDisconnected,
		DurationSeconds: exam.DurationSeconds,
		Progress:        model.Progress{TotalQuestions: exam.TotalQuestions},
		Answers:         make(map[string]model.Answer),
		LastHeartbeatAt: now,
		CreatedAt:       now,
		DeviceInfo:      deviceInfo,
		NetworkInfo:     networkInfo,
	}
	st.sessions[s.ID] = s
	st.byPair[key] = s.ID

	st.log.Info().
		Str("session_id", s.ID.String()).
		Str("exam_id", exam.ID.String()).
		Int("student_id", studentID).
		Msg("Session created")

	s.Mu.Lock()
	defer s.Mu.Unlock()
	return st.snapshotLocked(s), false
}

// AttachConn binds the session to a live connection and refreshes the
// heartbeat. Used on first join and after a connection migration.
func (st *Store) AttachConn(sessionID uuid.UUID, connID string) (*model.SessionSnapshot, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status.Terminal() {
		return nil, ErrInvalidTransition
	}
	s.ConnID = connID
	s.ConnState = model.ConnConnected
	s.LastHeartbeatAt = st.now()
	return st.snapshotLocked(s), nil
}

// DetachConn handles a socket close for the connection that currently
// owns the session. If ownership already migrated to a newer
// connection the close is ignored, so a multi-tab takeover does not
// disconnect the session it just adopted. Returns changed=false when
// nothing was done.
func (st *Store) DetachConn(sessionID uuid.UUID, connID string) (snap *model.SessionSnapshot, changed bool, err error) {
	s, lerr := st.lookup(sessionID)
	if lerr != nil {
		return nil, false, lerr
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.ConnID != connID || s.Status.Terminal() {
		return nil, false, nil
	}
	s.ConnID = ""
	s.ConnState = model.ConnDisconnected

	if s.Status == model.SessionActive {
		if terr := st.transitionLocked(s, EventHeartbeatTimeout); terr != nil {
			return nil, false, terr
		}
	}
	return st.snapshotLocked(s), true, nil
}

// Transition applies a state-machine event. Events arriving for a
// terminal session are rejected with ErrInvalidTransition and logged,
// never silently applied.
func (st *Store) Transition(sessionID uuid.UUID, ev Event) (*model.SessionSnapshot, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if err := st.transitionLocked(s, ev); err != nil {
		return nil, err
	}
	return st.snapshotLocked(s), nil
}

// End completes a session via explicit submission, recording how it
// ended and the client-computed score, if any. Valid from active,
// paused, and disconnected.
func (st *Store) End(sessionID uuid.UUID, subType model.SubmissionType, finalScore *float64) (*model.SessionSnapshot, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if err := st.transitionLocked(s, EventEnd); err != nil {
		return nil, err
	}
	s.SubmissionType = subType
	s.FinalScore = finalScore
	return st.snapshotLocked(s), nil
}

// ExpireClock applies the clock-expiry transition exactly once. A
// second expiry signal for an already-completed session is a no-op,
// not an error.
func (st *Store) ExpireClock(sessionID uuid.UUID) (snap *model.SessionSnapshot, expired bool, err error) {
	s, lerr := st.lookup(sessionID)
	if lerr != nil {
		return nil, false, lerr
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status.Terminal() {
		return st.snapshotLocked(s), false, nil
	}
	if terr := st.transitionLocked(s, EventClockExpired); terr != nil {
		return nil, false, terr
	}
	s.SubmissionType = model.SubmissionTimeout
	return st.snapshotLocked(s), true, nil
}

// Heartbeat records a liveness signal and returns the current status
// so the caller can decide whether a reconnect transition is due.
func (st *Store) Heartbeat(sessionID uuid.UUID) (model.SessionStatus, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return "", err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status.Terminal() {
		return s.Status, ErrInvalidTransition
	}
	s.LastHeartbeatAt = st.now()
	return s.Status, nil
}

// SubmitAnswer records the latest answer for a question. Resubmitting
// the same questionId overwrites the prior answer and does not
// double-count answeredQuestions.
func (st *Store) SubmitAnswer(sessionID uuid.UUID, questionID, answer string, timeSpent int) (model.Progress, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return model.Progress{}, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()

	switch {
	case s.Status.Terminal():
		return model.Progress{}, ErrInvalidTransition
	case s.Status == model.SessionWaiting:
		return model.Progress{}, ErrNotStarted
	}

	s.Answers[questionID] = model.Answer{
		QuestionID: questionID,
		Value:      answer,
		TimeSpent:  timeSpent,
		UpdatedAt:  st.now(),
	}
	s.Progress.AnsweredQuestions = len(s.Answers)
	return s.Progress, nil
}

// UpdateProgress applies a client progress report. AnsweredQuestions
// is monotonically non-decreasing: a report that would roll it back is
// rejected.
func (st *Store) UpdateProgress(sessionID uuid.UUID, p model.Progress) (model.Progress, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return model.Progress{}, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.Status.Terminal() {
		return model.Progress{}, ErrInvalidTransition
	}
	if p.AnsweredQuestions < s.Progress.AnsweredQuestions {
		return model.Progress{}, ErrProgressRollback
	}
	s.Progress.CurrentQuestion = p.CurrentQuestion
	if p.TotalQuestions > 0 {
		s.Progress.TotalQuestions = p.TotalQuestions
	}
	s.Progress.AnsweredQuestions = p.AnsweredQuestions
	return s.Progress, nil
}

// AppendSecurityFlag appends one integrity event to the session's
// ordered, append-only flag list.
func (st *Store) AppendSecurityFlag(sessionID uuid.UUID, flag model.SecurityFlag) (*model.SessionSnapshot, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status.Terminal() {
		return nil, ErrInvalidTransition
	}
	if flag.Timestamp.IsZero() {
		flag.Timestamp = st.now()
	}
	s.SecurityFlags = append(s.SecurityFlags, flag)
	return st.snapshotLocked(s), nil
}

// Get returns a snapshot of the session.
func (st *Store) Get(sessionID uuid.UUID) (*model.SessionSnapshot, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return st.snapshotLocked(s), nil
}

// GetByExamAndStudent resolves the non-terminal session for a pair.
func (st *Store) GetByExamAndStudent(examID uuid.UUID, studentID int) (*model.SessionSnapshot, error) {
	st.mu.RLock()
	id, ok := st.byPair[pairKey{examID: examID, studentID: studentID}]
	s := st.sessions[id]
	st.mu.RUnlock()
	if !ok || s == nil {
		return nil, ErrSessionNotFound
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status.Terminal() {
		return nil, ErrSessionNotFound
	}
	return st.snapshotLocked(s), nil
}

// Remove deletes a session from the store. Called only after
// finalization has persisted the attempt.
func (st *Store) Remove(sessionID uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	delete(st.sessions, sessionID)
	key := pairKey{examID: s.ExamID, studentID: s.StudentID}
	if st.byPair[key] == sessionID {
		delete(st.byPair, key)
	}
}

// SnapshotExam returns snapshots of all non-terminal sessions for an
// exam, ordered by creation time. This is the baseline a monitor
// receives on join so it never misses state between incremental
// events.
func (st *Store) SnapshotExam(examID uuid.UUID) []*model.SessionSnapshot {
	snaps := st.collect(func(s *model.SessionSnapshot) bool {
		return s.ExamID == examID && !s.Status.Terminal()
	})
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps
}

// ClockCandidates returns snapshots of started sessions whose
// countdown is live (active or paused).
func (st *Store) ClockCandidates() []*model.SessionSnapshot {
	return st.collect(func(s *model.SessionSnapshot) bool {
		return s.StartedAt != nil &&
			(s.Status == model.SessionActive || s.Status == model.SessionPaused)
	})
}

// SweepCandidates returns snapshots of every non-terminal session for
// the heartbeat sweep.
func (st *Store) SweepCandidates() []*model.SessionSnapshot {
	return st.collect(func(s *model.SessionSnapshot) bool {
		return !s.Status.Terminal()
	})
}

func (st *Store) collect(keep func(*model.SessionSnapshot) bool) []*model.SessionSnapshot {
	st.mu.RLock()
	records := make([]*model.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		records = append(records, s)
	}
	st.mu.RUnlock()

	var snaps []*model.SessionSnapshot
	for _, s := range records {
		s.Mu.Lock()
		snap := st.snapshotLocked(s)
		s.Mu.Unlock()
		if keep(snap) {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

func (st *Store) lookup(sessionID uuid.UUID) (*model.Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// transitionLocked applies the state machine. Caller holds s.Mu.
func (st *Store) transitionLocked(s *model.Session, ev Event) error {
	now := st.now()

	if s.Status.Terminal() {
		st.log.Warn().
			Str("session_id", s.ID.String()).
			Str("status", string(s.Status)).
			Str("event", string(ev)).
			Msg("Event rejected for terminal session")
		return ErrInvalidTransition
	}

	if ev == EventForceTerminate {
		s.SubmissionType = model.SubmissionForfeited
		st.finishLocked(s, model.SessionTerminated, now)
		return nil
	}

	switch s.Status {
	case model.SessionWaiting:
		if ev == EventStart {
			if s.StartedAt == nil { // set once, never overwritten
				t := now
				s.StartedAt = &t
			}
			s.Status = model.SessionActive
			return nil
		}

	case model.SessionActive:
		switch ev {
		case EventHeartbeatTimeout:
			s.Status = model.SessionDisconnected
			s.ConnState = model.ConnDisconnected
			t := now
			s.DisconnectedAt = &t
			return nil
		case EventPause:
			st.pauseLocked(s, now)
			return nil
		case EventClockExpired, EventEnd:
			st.finishLocked(s, model.SessionCompleted, now)
			return nil
		}

	case model.SessionPaused:
		switch ev {
		case EventResume:
			if s.PausedAt != nil {
				s.PausedTotal += now.Sub(*s.PausedAt)
				s.PausedAt = nil
			}
			s.Status = model.SessionActive
			return nil
		case EventClockExpired, EventEnd:
			st.finishLocked(s, model.SessionCompleted, now)
			return nil
		}

	case model.SessionDisconnected:
		switch ev {
		case EventReconnect:
			s.Status = model.SessionActive
			s.ConnState = model.ConnConnected
			s.DisconnectedAt = nil
			s.LastHeartbeatAt = now
			return nil
		case EventGraceExpired:
			s.SubmissionType = model.SubmissionForfeited
			st.finishLocked(s, model.SessionTerminated, now)
			return nil
		case EventPause:
			st.pauseLocked(s, now)
			return nil
		case EventEnd:
			st.finishLocked(s, model.SessionCompleted, now)
			return nil
		}
	}

	st.log.Warn().
		Str("session_id", s.ID.String()).
		Str("status", string(s.Status)).
		Str("event", string(ev)).
		Msg("Invalid transition rejected")
	return ErrInvalidTransition
}

func (st *Store) pauseLocked(s *model.Session, now time.Time) {
	if s.PausedAt == nil {
		t := now
		s.PausedAt = &t
	}
	s.Status = model.SessionPaused
}

func (st *Store) finishLocked(s *model.Session, status model.SessionStatus, now time.Time) {
	// Freeze the clock so snapshots of finished sessions report the
	// remaining time at the moment of completion.
	if s.PausedAt != nil {
		s.PausedTotal += now.Sub(*s.PausedAt)
		s.PausedAt = nil
	}
	s.Status = status
	t := now
	s.FinishedAt = &t
}

// remainingLocked computes the authoritative countdown:
// max(0, duration - elapsedSinceStart + totalPausedDuration).
// Caller holds s.Mu.
func (st *Store) remainingLocked(s *model.Session) int {
	if s.StartedAt == nil {
		return s.DurationSeconds
	}
	ref := st.now()
	if s.PausedAt != nil {
		ref = *s.PausedAt
	}
	if s.FinishedAt != nil {
		ref = *s.FinishedAt
	}
	elapsed := ref.Sub(*s.StartedAt) - s.PausedTotal
	remaining := s.DurationSeconds - int(elapsed/time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// snapshotLocked copies the record. Caller holds s.Mu.
func (st *Store) snapshotLocked(s *model.Session) *model.SessionSnapshot {
	flags := make([]model.SecurityFlag, len(s.SecurityFlags))
	copy(flags, s.SecurityFlags)

	answers := make([]model.Answer, 0, len(s.Answers))
	for _, a := range s.Answers {
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].QuestionID < answers[j].QuestionID })

	return &model.SessionSnapshot{
		SessionID:       s.ID,
		ExamID:          s.ExamID,
		StudentID:       s.StudentID,
		Student:         s.Student,
		Status:          s.Status,
		ConnState:       s.ConnState,
		StartedAt:       s.StartedAt,
		DurationSeconds: s.DurationSeconds,
		TimeRemaining:   st.remainingLocked(s),
		Progress:        s.Progress,
		SecurityFlags:   flags,
		Answers:         answers,
		FinishedAt:      s.FinishedAt,
		SubmissionType:  s.SubmissionType,
		FinalScore:      s.FinalScore,
		CreatedAt:       s.CreatedAt,
		DeviceInfo:      s.DeviceInfo,
		LastHeartbeatAt: s.LastHeartbeatAt,
		DisconnectedAt:  s.DisconnectedAt,
	}
}
