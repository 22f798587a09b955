package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/config"
	"github.com/invigilo/invigilo-backend/internal/model"
	"github.com/invigilo/invigilo-backend/internal/repository"
)

// reconcilePollInterval paces the replay loop. Parked attempts usually
// mean Postgres was down, so there is no point hammering it.
const reconcilePollInterval = 30 * time.Second

// ReconcileWorker replays attempts whose finalization retries were
// exhausted. Each queue entry is a full session snapshot with answers,
// so a successful replay is equivalent to the original finalization.
type ReconcileWorker struct {
	results *repository.ResultRepository
	rdb     *redis.Client
	log     zerolog.Logger
}

// NewReconcileWorker creates a new ReconcileWorker.
func NewReconcileWorker(results *repository.ResultRepository, rdb *redis.Client, log zerolog.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		results: results,
		rdb:     rdb,
		log:     log.With().Str("component", "reconcile_worker").Logger(),
	}
}

type reconcileRecord struct {
	*model.SessionSnapshot
	Answers []model.Answer `json:"answers"`
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ReconcileWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.ReconcileQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var rec reconcileRecord
	if err := json.Unmarshal([]byte(result[1]), &rec); err != nil || rec.SessionSnapshot == nil {
		// Malformed entries cannot be replayed; keep the raw payload in
		// the log so the attempt is recoverable by hand.
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed reconcile entry")
		return
	}

	snap := rec.SessionSnapshot
	snap.Answers = rec.Answers

	if err := w.results.PersistFinalSubmission(ctx, snap); err != nil {
		w.log.Warn().Err(err).
			Str("session_id", snap.SessionID.String()).
			Msg("Reconcile persist failed, requeueing")
		w.rdb.RPush(ctx, config.WorkerKey.ReconcileQueue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(reconcilePollInterval):
		}
		return
	}

	w.log.Info().
		Str("session_id", snap.SessionID.String()).
		Str("exam_id", snap.ExamID.String()).
		Msg("Parked attempt reconciled")
}
