package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/model"
)

// ClockSink receives clock side effects. The hub implements it; tests
// use recording fakes.
type ClockSink interface {
	// ClockTick is invoked per live session at the tick interval.
	ClockTick(snap *model.SessionSnapshot)
	// ClockExpired is invoked exactly once when a session's countdown
	// reaches zero.
	ClockExpired(snap *model.SessionSnapshot)
}

// Clock drives the per-session server-authoritative countdown. The
// remaining time itself is computed by the store from the recorded
// start timestamp and accumulated pause time, so this loop only has to
// observe it: a missed or delayed tick never skews the countdown, and
// client clock skew is irrelevant.
//
// Ticks are deliberately coarser than one per second to bound fan-out
// load; the interval is configurable.
type Clock struct {
	store    *Store
	sink     ClockSink
	interval time.Duration
	log      zerolog.Logger
}

// NewClock creates a clock loop over the given store.
func NewClock(store *Store, sink ClockSink, interval time.Duration, log zerolog.Logger) *Clock {
	return &Clock{
		store:    store,
		sink:     sink,
		interval: interval,
		log:      log.With().Str("component", "exam_clock").Logger(),
	}
}

// Run blocks until ctx is cancelled, ticking all live sessions.
// Call in a goroutine.
func (c *Clock) Run(ctx context.Context) {
	c.log.Info().Dur("interval", c.interval).Msg("Exam clock started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Exam clock stopped")
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick runs one pass over all started sessions. Exported so tests can
// drive the clock without real time.
func (c *Clock) Tick() {
	for _, snap := range c.store.ClockCandidates() {
		if snap.TimeRemaining <= 0 {
			c.expire(snap.SessionID)
			continue
		}
		// Paused sessions are frozen: no tick events until resume.
		if snap.Status == model.SessionActive {
			c.sink.ClockTick(snap)
		}
	}
}

// Remaining reports the authoritative remaining seconds for a session.
func (c *Clock) Remaining(sessionID uuid.UUID) (int, error) {
	snap, err := c.store.Get(sessionID)
	if err != nil {
		return 0, err
	}
	return snap.TimeRemaining, nil
}

func (c *Clock) expire(sessionID uuid.UUID) {
	snap, expired, err := c.store.ExpireClock(sessionID)
	if err != nil {
		c.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Clock expiry failed")
		return
	}
	// A second expiry signal for an already-completed session is a
	// no-op; only the transition that actually fired reaches the sink.
	if !expired {
		return
	}
	c.log.Info().Str("session_id", sessionID.String()).Msg("Session expired by clock")
	c.sink.ClockExpired(snap)
}
