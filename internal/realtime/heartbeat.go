package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/model"
)

// SweepSink receives liveness transitions from the sweeper. The hub
// implements it: broadcasting student_disconnected / student_left and
// triggering finalization are its side effects, not the sweeper's.
type SweepSink interface {
	SweepDisconnected(snap *model.SessionSnapshot)
	SweepTerminated(snap *model.SessionSnapshot)
}

// Sweeper is the heartbeat/liveness monitor. A background pass at a
// fixed interval scans all non-terminal sessions: a stale heartbeat on
// an active session marks it disconnected (the exam clock keeps
// running), and a session disconnected longer than the grace window is
// terminated. Disconnection is a grace-windowed soft state, never
// immediate cancellation, so a dropped network can recover.
type Sweeper struct {
	store               *Store
	sink                SweepSink
	interval            time.Duration
	disconnectThreshold time.Duration
	terminateGrace      time.Duration
	now                 func() time.Time
	log                 zerolog.Logger
}

// NewSweeper creates a heartbeat sweeper. now is injectable for tests.
func NewSweeper(store *Store, sink SweepSink, interval, disconnectThreshold, terminateGrace time.Duration, now func() time.Time, log zerolog.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:               store,
		sink:                sink,
		interval:            interval,
		disconnectThreshold: disconnectThreshold,
		terminateGrace:      terminateGrace,
		now:                 now,
		log:                 log.With().Str("component", "heartbeat_sweeper").Logger(),
	}
}

// Run blocks until ctx is cancelled, sweeping at the fixed interval.
// Call in a goroutine.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.log.Info().
		Dur("interval", sw.interval).
		Dur("disconnect_threshold", sw.disconnectThreshold).
		Dur("terminate_grace", sw.terminateGrace).
		Msg("Heartbeat sweeper started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.log.Info().Msg("Heartbeat sweeper stopped")
			return
		case <-ticker.C:
			sw.Sweep()
		}
	}
}

// Sweep runs one liveness pass. Exported so tests can drive it
// deterministically. Both transitions are idempotent against sessions
// that already moved on: a losing race simply yields an invalid
// transition that is dropped here.
func (sw *Sweeper) Sweep() {
	now := sw.now()

	for _, snap := range sw.store.SweepCandidates() {
		switch snap.Status {
		case model.SessionActive:
			if now.Sub(snap.LastHeartbeatAt) <= sw.disconnectThreshold {
				continue
			}
			out, err := sw.store.Transition(snap.SessionID, EventHeartbeatTimeout)
			if err != nil {
				continue // lost a race against another writer
			}
			sw.log.Info().
				Str("session_id", snap.SessionID.String()).
				Time("last_heartbeat", snap.LastHeartbeatAt).
				Msg("Session marked disconnected")
			sw.sink.SweepDisconnected(out)

		case model.SessionDisconnected:
			if snap.DisconnectedAt == nil || now.Sub(*snap.DisconnectedAt) <= sw.terminateGrace {
				continue
			}
			out, err := sw.store.Transition(snap.SessionID, EventGraceExpired)
			if err != nil {
				continue
			}
			sw.log.Warn().
				Str("session_id", snap.SessionID.String()).
				Msg("Grace window expired, session terminated")
			sw.sink.SweepTerminated(out)
		}
	}
}
