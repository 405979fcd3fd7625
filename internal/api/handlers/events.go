package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/pkg/env"
	"github.com/troikatech/call-escalation/pkg/errors"
	"github.com/troikatech/call-escalation/pkg/logger"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
)

// createWebSocketUpgrader accepts origins listed in CORS_ALLOWED_ORIGINS.
func createWebSocketUpgrader(cfg *env.Config) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || cfg.AppEnv == "development" {
				return true
			}
			for _, allowed := range strings.Split(cfg.CORSAllowedOrigins, ",") {
				allowed = strings.TrimSpace(allowed)
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			logger.Log.Warn("WebSocket connection rejected - invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
}

// EscalationEvents streams escalation status changes. ?parent_key= narrows
// the stream to one primary call.
func (h *Handler) EscalationEvents(c *gin.Context) {
	if h.events == nil {
		errors.ServiceUnavailable(c, "event stream is not configured")
		return
	}
	parent := c.Query("parent_key")

	upgrader := createWebSocketUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", zap.Error(err), zap.String("remote_addr", c.Request.RemoteAddr))
		return
	}
	defer conn.Close()

	events, stop := h.events.Subscribe(c.Request.Context())
	defer stop()

	// The reader only exists to notice the client going away.
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("Event stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if parent != "" && ev.ParentCallKey != parent {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
