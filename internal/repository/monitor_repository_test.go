package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishMonitorEventReachesSubscriber(t *testing.T) {
	rdb, _ := setupRedis(t)
	repo := NewMonitorRepository(rdb, zerolog.Nop())

	examID := uuid.New()
	ctx := context.Background()

	sub := repo.Subscribe(ctx, examID)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = repo.PublishMonitorEvent(ctx, examID, "progress_update", map[string]any{
		"sessionId": "s1",
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &frame))
		assert.Equal(t, "progress_update", frame.Type)
		assert.JSONEq(t, `{"sessionId":"s1"}`, string(frame.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received on monitor channel")
	}
}

func TestPublishMonitorEventIsExamScoped(t *testing.T) {
	rdb, _ := setupRedis(t)
	repo := NewMonitorRepository(rdb, zerolog.Nop())
	ctx := context.Background()

	sub := repo.Subscribe(ctx, uuid.New())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.PublishMonitorEvent(ctx, uuid.New(), "security_alert", nil))

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected cross-exam message: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
