package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/middleware"
	"github.com/invigilo/invigilo-backend/internal/realtime"
	"github.com/invigilo/invigilo-backend/internal/repository"
	"github.com/invigilo/invigilo-backend/internal/response"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler serves the admin monitoring surface over REST and
// SSE. Observers use the WebSocket endpoint instead; this one exists
// for dashboards that only speak HTTP.
type MonitorHandler struct {
	hub         *realtime.Hub
	store       *realtime.Store
	exams       *repository.ExamRepository
	monitorRepo *repository.MonitorRepository
	log         zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	hub *realtime.Hub,
	store *realtime.Store,
	exams *repository.ExamRepository,
	monitorRepo *repository.MonitorRepository,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		hub:         hub,
		store:       store,
		exams:       exams,
		monitorRepo: monitorRepo,
		log:         log.With().Str("component", "monitor_handler").Logger(),
	}
}

// ListSessions godoc
// GET /api/v1/admin/exams/:exam_id/sessions
// Returns a point-in-time snapshot of all live sessions for an exam.
func (h *MonitorHandler) ListSessions(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if _, err := h.exams.GetMetadata(c.Request.Context(), examID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"exam_id":  examID,
		"sessions": h.store.SnapshotExam(examID),
	})
}

// TerminateSession godoc
// POST /api/v1/admin/exams/:exam_id/sessions/:session_id/terminate
// Administrative override: ends the attempt immediately regardless of
// its state, notifies the student and observers, and finalizes it as
// a forfeit.
func (h *MonitorHandler) TerminateSession(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	current, err := h.store.Get(sessionID)
	if err != nil || current.ExamID != examID {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	snap, err := h.hub.ForceTerminate(sessionID)
	if err != nil {
		// Lost a race with another terminal transition.
		response.Fail(c, http.StatusConflict, response.ErrSessionFinished)
		return
	}

	h.log.Warn().
		Str("exam_id", examID.String()).
		Str("session_id", sessionID.String()).
		Msg("Session terminated by administrator")
	response.Success(c, http.StatusOK, snap)
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Streams the exam's monitor events as SSE, relayed from the Redis
// channel so it works from any node in the deployment.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if _, err := h.exams.GetMetadata(c.Request.Context(), examID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Initial snapshot so the dashboard never starts blind.
	snapshot, _ := json.Marshal(gin.H{
		"type": "snapshot",
		"payload": gin.H{
			"examId":   examID,
			"sessions": h.store.SnapshotExam(examID),
		},
	})
	writeSSE(c, snapshot)

	pubsub := h.monitorRepo.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg := <-ch:
			// Forward raw JSON directly — no deserialization needed
			writeSSE(c, []byte(msg.Payload))

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
