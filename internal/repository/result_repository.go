package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/config"
	"github.com/invigilo/invigilo-backend/internal/model"
)

// ResultRepository records finished attempts in PostgreSQL and backs
// the reconciliation queue in Redis.
type ResultRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResultRepository {
	return &ResultRepository{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "result_repository").Logger(),
	}
}

// PersistFinalSubmission writes the whole finished attempt in one
// transaction: the result row, the final answers, and the security
// flags. The upsert keys on session id so a retried finalization never
// duplicates rows.
func (r *ResultRepository) PersistFinalSubmission(ctx context.Context, snap *model.SessionSnapshot) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO exam_results
		     (session_id, exam_id, student_id, status, submission_type,
		      final_score, started_at, finished_at, time_remaining, progress)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     submission_type = EXCLUDED.submission_type,
		     final_score = EXCLUDED.final_score,
		     finished_at = EXCLUDED.finished_at,
		     time_remaining = EXCLUDED.time_remaining,
		     progress = EXCLUDED.progress`,
		snap.SessionID, snap.ExamID, snap.StudentID, snap.Status, snap.SubmissionType,
		snap.FinalScore, snap.StartedAt, snap.FinishedAt, snap.TimeRemaining, snap.Progress,
	)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, a := range snap.Answers {
		batch.Queue(
			`INSERT INTO session_answers (session_id, question_id, answer, time_spent, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, question_id) DO UPDATE
			 SET answer = EXCLUDED.answer,
			     time_spent = EXCLUDED.time_spent,
			     updated_at = EXCLUDED.updated_at`,
			snap.SessionID, a.QuestionID, a.Value, a.TimeSpent, a.UpdatedAt,
		)
	}
	// Flags were already appended in arrival order; position keeps that
	// order stable across the upsert.
	batch.Queue(`DELETE FROM session_security_flags WHERE session_id = $1`, snap.SessionID)
	for i, f := range snap.SecurityFlags {
		batch.Queue(
			`INSERT INTO session_security_flags (session_id, position, flag_type, severity, details, flagged_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			snap.SessionID, i, f.Type, f.Severity, f.Details, f.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.cleanupMirror(ctx, snap)
	return nil
}

// cleanupMirror drops the Redis crash-recovery mirror once the attempt
// is durable in Postgres.
func (r *ResultRepository) cleanupMirror(ctx context.Context, snap *model.SessionSnapshot) {
	if r.rdb == nil {
		return
	}
	keys := []string{
		config.CacheKey.SessionAnswersKey(snap.SessionID.String()),
		config.CacheKey.SessionFlagsKey(snap.SessionID.String()),
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.log.Warn().Err(err).Str("session_id", snap.SessionID.String()).Msg("Failed to clean session mirror")
	}
}

// EnqueueReconciliation parks an attempt whose persistence retries
// were exhausted. A human (or a replay job) takes it from here.
func (r *ResultRepository) EnqueueReconciliation(ctx context.Context, snap *model.SessionSnapshot) error {
	payload, err := json.Marshal(struct {
		*model.SessionSnapshot
		Answers []model.Answer `json:"answers"`
	}{SessionSnapshot: snap, Answers: snap.Answers})
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, config.WorkerKey.ReconcileQueue, payload).Err()
}
