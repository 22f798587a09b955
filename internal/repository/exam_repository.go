package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/config"
	"github.com/invigilo/invigilo-backend/internal/model"
)

const examMetadataTTL = 30 * time.Second

// ExamRepository resolves exam metadata. Reads go through a short-TTL
// Redis cache since every join validates the same few exams.
type ExamRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ExamRepository {
	return &ExamRepository{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "exam_repository").Logger(),
	}
}

// GetMetadata retrieves the exam metadata the coordinator needs.
func (r *ExamRepository) GetMetadata(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamMetadataKey(id.String())

	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, key).Result(); err == nil {
			var e model.Exam
			if err := json.Unmarshal([]byte(cached), &e); err == nil {
				return &e, nil
			}
		}
	}

	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_seconds, total_questions, status,
		        scheduled_start, scheduled_end
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.DurationSeconds, &e.TotalQuestions, &e.Status,
		&e.ScheduledStart, &e.ScheduledEnd)
	if err != nil {
		return nil, err
	}

	if r.rdb != nil {
		if data, err := json.Marshal(e); err == nil {
			if err := r.rdb.Set(ctx, key, data, examMetadataTTL).Err(); err != nil {
				r.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to cache exam metadata")
			}
		}
	}
	return e, nil
}
