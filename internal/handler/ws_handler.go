package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/invigilo/invigilo-backend/internal/middleware"
	"github.com/invigilo/invigilo-backend/internal/realtime"
	ws "github.com/invigilo/invigilo-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler upgrades the two realtime endpoints and hands connections
// to the hub. All protocol logic lives in the hub; this layer only does
// auth, upgrade, and pump lifecycle.
type WSHandler struct {
	hub      *realtime.Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *realtime.Hub, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:      hub,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamSocket godoc
// WS /ws/v1/exam
// Upgrades a student connection for exam session events.
func (h *WSHandler) ExamSocket(c *gin.Context) {
	h.serve(c, realtime.RoleStudent)
}

// MonitorSocket godoc
// WS /ws/v1/monitor
// Upgrades an observer connection for monitoring events.
func (h *WSHandler) MonitorSocket(c *gin.Context) {
	h.serve(c, realtime.RoleObserver)
}

func (h *WSHandler) serve(c *gin.Context, role realtime.Role) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(uuid.New().String(), conn, h.log)
	principal := realtime.Principal{
		ID:    claims.UserID,
		Role:  role,
		Name:  claims.Name,
		OrgID: claims.OrgID,
	}

	h.hub.Attach(client, principal)
	h.log.Info().
		Str("conn_id", client.ID()).
		Str("role", string(role)).
		Int("user_id", claims.UserID).
		Msg("Connection upgraded")

	go client.WritePump()
	go client.ReadPump(
		func(cl *ws.Client, env ws.Envelope) { h.hub.HandleMessage(cl, env) },
		func(cl *ws.Client) { h.hub.HandleDisconnect(cl) },
	)
}
