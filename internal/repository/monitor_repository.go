package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/config"
)

// MonitorRepository mirrors monitoring events over Redis Pub/Sub. The
// in-process monitor room gets events directly; this channel feeds the
// admin SSE relay and any sibling process.
type MonitorRepository struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(rdb *redis.Client, log zerolog.Logger) *MonitorRepository {
	return &MonitorRepository{
		rdb: rdb,
		log: log.With().Str("component", "monitor_repository").Logger(),
	}
}

// PublishMonitorEvent sends one event to the exam's monitor channel,
// framed the same way the WebSocket surface frames it.
func (r *MonitorRepository) PublishMonitorEvent(ctx context.Context, examID uuid.UUID, event string, payload any) error {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: event, Payload: payload})
	if err != nil {
		return err
	}
	channel := config.CacheKey.ExamMonitorChannel(examID.String())
	return r.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe attaches to the exam's monitor channel. Caller closes the
// returned subscription.
func (r *MonitorRepository) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	channel := config.CacheKey.ExamMonitorChannel(examID.String())
	return r.rdb.Subscribe(ctx, channel)
}
