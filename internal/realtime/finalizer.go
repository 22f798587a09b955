package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/model"
)

// ResultPersister is the external storage collaborator that records a
// finished attempt. Postgres implements it in the repository package.
type ResultPersister interface {
	PersistFinalSubmission(ctx context.Context, snap *model.SessionSnapshot) error
}

// ReconcileQueue receives attempts whose persistence retry budget was
// exhausted, for manual reconciliation. They must never be silently
// dropped.
type ReconcileQueue interface {
	EnqueueReconciliation(ctx context.Context, snap *model.SessionSnapshot) error
}

// Finalizer persists finished sessions and removes them from the
// store. Callers hand it a snapshot taken after the terminal
// transition — the session lock is never held across the persistence
// I/O. Transient failures are retried with exponential backoff; the
// session stays terminal locally throughout and is never re-exposed to
// clients as active.
type Finalizer struct {
	store       *Store
	results     ResultPersister
	reconcile   ReconcileQueue
	maxRetries  int
	baseBackoff time.Duration
	log         zerolog.Logger
	wg          sync.WaitGroup
}

// NewFinalizer creates a finalizer. reconcile may be nil when no
// reconciliation queue is configured (tests).
func NewFinalizer(store *Store, results ResultPersister, reconcile ReconcileQueue, maxRetries int, baseBackoff time.Duration, log zerolog.Logger) *Finalizer {
	return &Finalizer{
		store:       store,
		results:     results,
		reconcile:   reconcile,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		log:         log.With().Str("component", "finalizer").Logger(),
	}
}

// Finalize persists snap in the background and removes the session
// from the store once handled.
func (f *Finalizer) Finalize(snap *model.SessionSnapshot) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(snap)
	}()
}

// Wait blocks until all in-flight finalizations are handled, or ctx
// expires. Used during graceful shutdown.
func (f *Finalizer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Finalizer) run(snap *model.SessionSnapshot) {
	log := f.log.With().
		Str("session_id", snap.SessionID.String()).
		Str("exam_id", snap.ExamID.String()).
		Logger()

	backoff := f.baseBackoff
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := f.results.PersistFinalSubmission(ctx, snap)
		cancel()

		if err == nil {
			f.store.Remove(snap.SessionID)
			log.Info().
				Str("status", string(snap.Status)).
				Int("attempt", attempt).
				Msg("Session finalized")
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("Finalization persist failed")
		if attempt < f.maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	// Retry budget exhausted: record the failure on the outgoing
	// snapshot and park it for manual reconciliation.
	snap.Status = model.SessionTerminated
	snap.SecurityFlags = append(snap.SecurityFlags, model.SecurityFlag{
		Type:      "finalize_failed",
		Severity:  "high",
		Details:   "final submission could not be persisted; queued for reconciliation",
		Timestamp: time.Now(),
	})

	if f.reconcile != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.reconcile.EnqueueReconciliation(ctx, snap); err != nil {
			log.Error().Err(err).Msg("CRITICAL: reconciliation enqueue failed, attempt data lost")
		} else {
			log.Error().Msg("Finalization retries exhausted, attempt queued for reconciliation")
		}
	} else {
		log.Error().Msg("Finalization retries exhausted and no reconciliation queue configured")
	}

	f.store.Remove(snap.SessionID)
}
