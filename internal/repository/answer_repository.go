package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/config"
	"github.com/invigilo/invigilo-backend/internal/model"
)

// AnswerMirror copies every accepted answer into Redis: a hash per
// session for crash recovery, plus the persistence queue the autosave
// worker drains into Postgres. The in-memory store stays authoritative
// either way.
type AnswerMirror struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewAnswerMirror creates a new AnswerMirror.
func NewAnswerMirror(rdb *redis.Client, log zerolog.Logger) *AnswerMirror {
	return &AnswerMirror{
		rdb: rdb,
		log: log.With().Str("component", "answer_mirror").Logger(),
	}
}

// AnswerRecord is the queue payload consumed by the autosave worker.
type AnswerRecord struct {
	SessionID  string `json:"session_id"`
	ExamID     string `json:"exam_id"`
	StudentID  int    `json:"student_id"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	TimeSpent  int    `json:"time_spent"`
	UpdatedAt  string `json:"updated_at"`
}

// RecordAnswer mirrors one answer. The hash write and the queue push
// are independent; a failed queue push is retried implicitly because
// the final submission carries all answers anyway.
func (m *AnswerMirror) RecordAnswer(ctx context.Context, sessionID, examID uuid.UUID, studentID int, ans model.Answer) error {
	rec := AnswerRecord{
		SessionID:  sessionID.String(),
		ExamID:     examID.String(),
		StudentID:  studentID,
		QuestionID: ans.QuestionID,
		Answer:     ans.Value,
		TimeSpent:  ans.TimeSpent,
		UpdatedAt:  ans.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := config.CacheKey.SessionAnswersKey(rec.SessionID)
	if err := m.rdb.HSet(ctx, key, rec.QuestionID, payload).Err(); err != nil {
		return err
	}
	return m.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err()
}
