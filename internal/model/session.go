package model

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates the lifecycle states of an exam session.
type SessionStatus string

const (
	SessionWaiting      SessionStatus = "waiting"
	SessionActive       SessionStatus = "active"
	SessionPaused       SessionStatus = "paused"
	SessionDisconnected SessionStatus = "disconnected"
	SessionCompleted    SessionStatus = "completed"
	SessionTerminated   SessionStatus = "terminated"
)

// Terminal reports whether the status accepts no further events.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionTerminated
}

// ConnState tracks transport liveness independently of SessionStatus:
// a disconnected connection on an active session is recoverable,
// a terminated session is not.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// SubmissionType records how a session ended.
type SubmissionType string

const (
	SubmissionNormal    SubmissionType = "normal"
	SubmissionManual    SubmissionType = "manual"
	SubmissionAuto      SubmissionType = "auto"
	SubmissionTimeout   SubmissionType = "timeout"
	SubmissionForfeited SubmissionType = "forfeited"
)

// Progress is a student's position within the exam.
// AnsweredQuestions is monotonically non-decreasing.
type Progress struct {
	CurrentQuestion   int `json:"currentQuestion"`
	TotalQuestions    int `json:"totalQuestions"`
	AnsweredQuestions int `json:"answeredQuestions"`
}

// SecurityFlag is one recorded integrity event. Flags are append-only.
type SecurityFlag struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Answer is the latest submitted answer for one question.
// Resubmission overwrites; it never double-counts.
type Answer struct {
	QuestionID string    `json:"questionId"`
	Value      string    `json:"answer"`
	TimeSpent  int       `json:"timeSpent"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Session is one student's attempt at one exam. The session store
// exclusively owns Session records; all mutation goes through it under
// the per-session mutex.
type Session struct {
	// Mu serializes every mutation for this session so protocol events,
	// clock ticks, and heartbeat sweeps never race on the same record.
	Mu sync.Mutex `json:"-"`

	ID        uuid.UUID `json:"sessionId"`
	ExamID    uuid.UUID `json:"examId"`
	StudentID int       `json:"studentId"`
	Student   string    `json:"student"`

	Status    SessionStatus `json:"status"`
	ConnState ConnState     `json:"connectionState"`
	ConnID    string        `json:"-"`

	// StartedAt is set exactly once by the start event and is the single
	// source of truth for the countdown. Client-reported remaining time
	// is never trusted.
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`

	// Pause bookkeeping: PausedAt is non-nil while paused, PausedTotal
	// accumulates completed pause intervals.
	PausedAt    *time.Time    `json:"-"`
	PausedTotal time.Duration `json:"-"`

	DisconnectedAt *time.Time `json:"-"`

	Progress      Progress          `json:"progress"`
	Answers       map[string]Answer `json:"-"`
	SecurityFlags []SecurityFlag    `json:"securityFlags"`

	LastHeartbeatAt time.Time `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`

	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`
	SubmissionType SubmissionType `json:"submissionType,omitempty"`
	FinalScore     *float64       `json:"finalScore,omitempty"`

	DeviceInfo  json.RawMessage `json:"-"`
	NetworkInfo json.RawMessage `json:"-"`
}

// SessionSnapshot is an immutable copy of a session taken under its
// lock. Snapshots are what leave the store: broadcast payloads,
// monitoring responses, and finalization all work on snapshots so no
// caller ever holds a live record.
type SessionSnapshot struct {
	SessionID       uuid.UUID       `json:"sessionId"`
	ExamID          uuid.UUID       `json:"examId"`
	StudentID       int             `json:"studentId"`
	Student         string          `json:"student"`
	Status          SessionStatus   `json:"status"`
	ConnState       ConnState       `json:"connectionState"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	DurationSeconds int             `json:"durationSeconds"`
	TimeRemaining   int             `json:"timeRemaining"`
	Progress        Progress        `json:"progress"`
	SecurityFlags   []SecurityFlag  `json:"securityFlags"`
	Answers         []Answer        `json:"-"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	SubmissionType  SubmissionType  `json:"submissionType,omitempty"`
	FinalScore      *float64        `json:"finalScore,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	DeviceInfo      json.RawMessage `json:"-"`

	// Liveness bookkeeping for the heartbeat sweep; not part of any
	// wire payload.
	LastHeartbeatAt time.Time  `json:"-"`
	DisconnectedAt  *time.Time `json:"-"`
}
