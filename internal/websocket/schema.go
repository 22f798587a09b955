package websocket

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/invigilo/invigilo-backend/internal/model"
)

// Every message travels inside an Envelope. Event names and payload
// field names are part of the deployed client contract and must not
// change.

// EventType names an inbound or outbound protocol event.
type EventType string

// ─── Events (Client → Server) ───────────────────────────────────────

const (
	EventJoinExamSession    EventType = "join_exam_session"
	EventSubmitAnswer       EventType = "submit_answer"
	EventUpdateProgress     EventType = "update_progress"
	EventStartExam          EventType = "start_exam"
	EventPauseExam          EventType = "pause_exam"
	EventResumeExam         EventType = "resume_exam"
	EventEndExam            EventType = "end_exam"
	EventReportSecurityFlag EventType = "report_security_flag"
	EventHeartbeat          EventType = "heartbeat"

	EventJoinMonitoring        EventType = "join_monitoring"
	EventLeaveMonitoring       EventType = "leave_monitoring"
	EventRequestActiveSessions EventType = "request_active_sessions"
	EventRequestScreenShare    EventType = "request_screen_share"
)

// ─── Events (Server → Client) ───────────────────────────────────────

const (
	EventExamSessionJoined EventType = "exam_session_joined"
	EventTimeUpdate        EventType = "time_update"
	EventAnswerSubmitted   EventType = "answer_submitted"
	EventExamEnded         EventType = "exam_ended"
	EventExamError         EventType = "exam_error"
	EventHeartbeatAck      EventType = "heartbeat_ack"
	EventMultiTabWarning   EventType = "multi_tab_warning"

	EventMonitoringJoined       EventType = "monitoring_joined"
	EventStudentJoined          EventType = "student_joined"
	EventStudentReconnected     EventType = "student_reconnected"
	EventStudentDisconnected    EventType = "student_disconnected"
	EventStudentLeft            EventType = "student_left"
	EventProgressUpdate         EventType = "progress_update"
	EventSecurityAlert          EventType = "security_alert"
	EventActiveSessionsResponse EventType = "active_sessions_response"
	EventMonitoringError        EventType = "monitoring_error"
	EventScreenShareRequested   EventType = "screen_share_requested"
)

// Envelope wraps every wire message. Payload stays raw on the inbound
// path so the dispatcher can peek at the type before full parsing.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the server-side counterpart of Envelope.
type Outbound struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// ─── Inbound payloads ───────────────────────────────────────────────

type JoinExamSessionPayload struct {
	ExamID      string          `json:"examId" validate:"required,uuid"`
	SessionID   string          `json:"sessionId,omitempty" validate:"omitempty,uuid"`
	DeviceInfo  json.RawMessage `json:"deviceInfo,omitempty"`
	NetworkInfo json.RawMessage `json:"networkInfo,omitempty"`
}

type SubmitAnswerPayload struct {
	QuestionID string `json:"questionId" validate:"required"`
	Answer     string `json:"answer"`
	TimeSpent  int    `json:"timeSpent" validate:"gte=0"`
}

type UpdateProgressPayload struct {
	CurrentQuestion   int `json:"currentQuestion" validate:"gte=0"`
	TotalQuestions    int `json:"totalQuestions" validate:"gte=0"`
	AnsweredQuestions int `json:"answeredQuestions" validate:"gte=0"`
}

type StartExamPayload struct {
	ExamID    string `json:"examId" validate:"required,uuid"`
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

type EndExamPayload struct {
	ExamID         string   `json:"examId" validate:"required,uuid"`
	SessionID      string   `json:"sessionId" validate:"required,uuid"`
	SubmissionType string   `json:"submissionType,omitempty"`
	FinalScore     *float64 `json:"finalScore,omitempty"`
}

type ReportSecurityFlagPayload struct {
	ExamID    string `json:"examId" validate:"required,uuid"`
	SessionID string `json:"sessionId" validate:"required,uuid"`
	FlagType  string `json:"flagType" validate:"required"`
	Details   string `json:"details,omitempty"`
	Severity  string `json:"severity,omitempty" validate:"omitempty,severity"`
}

type MonitoringPayload struct {
	ExamID string `json:"examId" validate:"required,uuid"`
}

type RequestScreenSharePayload struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

// ─── Outbound payloads ──────────────────────────────────────────────

// ExamSummary is the exam metadata echoed back on join. Question
// content is served over REST; the realtime surface only carries the
// count.
type ExamSummary struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	DurationSecs   int       `json:"duration"`
	TotalQuestions int       `json:"totalQuestions"`
}

type ExamSessionJoinedPayload struct {
	SessionID     uuid.UUID      `json:"sessionId"`
	TimeRemaining int            `json:"timeRemaining"`
	Status        string         `json:"status"`
	Resumed       bool           `json:"resumed"`
	Progress      model.Progress `json:"progress"`
	Exam          ExamSummary    `json:"exam"`

	// HeartbeatSecs tells the client how often to send heartbeat
	// events. The server's disconnect threshold is derived from the
	// same setting, so clients must not invent their own cadence.
	HeartbeatSecs int `json:"heartbeatInterval"`
}

// TimeUpdatePayload serves both copies of time_update: the student
// copy omits sessionId, the monitor copy carries it.
type TimeUpdatePayload struct {
	SessionID     string `json:"sessionId,omitempty"`
	ExamID        string `json:"examId,omitempty"`
	TimeRemaining int    `json:"timeRemaining"`
}

type AnswerSubmittedPayload struct {
	QuestionID string         `json:"questionId"`
	Progress   model.Progress `json:"progress"`
}

type ExamEndedPayload struct {
	SessionID      uuid.UUID `json:"sessionId"`
	ExamID         uuid.UUID `json:"examId"`
	SubmissionType string    `json:"submissionType"`
	FinalScore     *float64  `json:"finalScore,omitempty"`
	TimeRemaining  int       `json:"timeRemaining"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type HeartbeatAckPayload struct {
	Timestamp string `json:"timestamp"`
}

type MultiTabWarningPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MonitoringStats are the per-exam totals included in the monitor
// snapshot.
type MonitoringStats struct {
	TotalJoined     int `json:"totalJoined"`
	TotalInProgress int `json:"totalInProgress"`
	TotalCompleted  int `json:"totalCompleted"`
}

type MonitoringJoinedPayload struct {
	ExamID         uuid.UUID                `json:"examId"`
	ActiveSessions []*model.SessionSnapshot `json:"activeSessions"`
	Stats          MonitoringStats          `json:"stats"`
}

type SessionRefPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	ExamID    uuid.UUID `json:"examId"`
}

type ProgressUpdatePayload struct {
	SessionID uuid.UUID      `json:"sessionId"`
	ExamID    uuid.UUID      `json:"examId"`
	Progress  model.Progress `json:"progress"`
}

type SecurityAlertPayload struct {
	SessionID uuid.UUID          `json:"sessionId"`
	ExamID    uuid.UUID          `json:"examId"`
	Student   string             `json:"student"`
	Flag      model.SecurityFlag `json:"flag"`
}

type ActiveSessionsResponsePayload struct {
	ExamID   uuid.UUID                `json:"examId"`
	Sessions []*model.SessionSnapshot `json:"sessions"`
}

type ScreenShareRequestedPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	Observer  string    `json:"observer"`
}
