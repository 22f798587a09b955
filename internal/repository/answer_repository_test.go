package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigilo/invigilo-backend/internal/config"
	"github.com/invigilo/invigilo-backend/internal/model"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestRecordAnswerMirrorsHashAndQueue(t *testing.T) {
	rdb, mr := setupRedis(t)
	mirror := NewAnswerMirror(rdb, zerolog.Nop())

	sessionID := uuid.New()
	examID := uuid.New()
	ans := model.Answer{
		QuestionID: "q1",
		Value:      "B",
		TimeSpent:  12,
		UpdatedAt:  time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
	}

	err := mirror.RecordAnswer(context.Background(), sessionID, examID, 7, ans)
	require.NoError(t, err)

	raw := mr.HGet(config.CacheKey.SessionAnswersKey(sessionID.String()), "q1")
	require.NotEmpty(t, raw)

	var rec AnswerRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, sessionID.String(), rec.SessionID)
	assert.Equal(t, examID.String(), rec.ExamID)
	assert.Equal(t, 7, rec.StudentID)
	assert.Equal(t, "B", rec.Answer)
	assert.Equal(t, 12, rec.TimeSpent)
	assert.Equal(t, "2026-03-01T09:05:00Z", rec.UpdatedAt)

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.JSONEq(t, raw, queued[0])
}

func TestRecordAnswerOverwritesSameQuestion(t *testing.T) {
	rdb, mr := setupRedis(t)
	mirror := NewAnswerMirror(rdb, zerolog.Nop())

	sessionID := uuid.New()
	examID := uuid.New()
	ctx := context.Background()

	first := model.Answer{QuestionID: "q1", Value: "A", UpdatedAt: time.Now()}
	second := model.Answer{QuestionID: "q1", Value: "C", UpdatedAt: time.Now()}
	require.NoError(t, mirror.RecordAnswer(ctx, sessionID, examID, 7, first))
	require.NoError(t, mirror.RecordAnswer(ctx, sessionID, examID, 7, second))

	// The hash keeps only the latest value per question; the queue keeps
	// both writes and the worker applies them in order.
	key := config.CacheKey.SessionAnswersKey(sessionID.String())
	var rec AnswerRecord
	require.NoError(t, json.Unmarshal([]byte(mr.HGet(key, "q1")), &rec))
	assert.Equal(t, "C", rec.Answer)

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}
