// Package ws is the WebSocket ingress: each text frame carries exactly one
// JSON protocol message, and sessions share the TCP ingress's directory,
// dispatcher, and keep-alive semantics.
package ws

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"jircd/internal/core"
	"jircd/internal/protocol"
)

const writeTimeout = 5 * time.Second

// Handler owns WebSocket transport for the chat protocol.
type Handler struct {
	dp       *core.Dispatcher
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler feeding dp.
func NewHandler(dp *core.Dispatcher) *Handler {
	return &Handler{
		dp: dp,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the WebSocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// serveConn registers the session as a core connection, mirrors its
// outbound queue into text frames, and dispatches every inbound frame.
// WebSocket framing replaces the CRLF codec, but the per-message byte
// bound and the validator are the same as on TCP.
func (h *Handler) serveConn(wc *websocket.Conn) {
	wc.SetReadLimit(protocol.MaxEncodedLen + 2)

	c := core.NewConn(wc.RemoteAddr().String(), core.DefaultSendBuffer)
	h.dp.Directory().Add(c)

	go func() {
		defer wc.Close()
		for frame := range c.Outbound() {
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.dp.ConnectionDropped(c, "connection dropped")
				for range c.Outbound() {
				}
				return
			}
		}
	}()

	for {
		_, payload, err := wc.ReadMessage()
		if err != nil {
			h.dp.ConnectionDropped(c, "connection dropped")
			return
		}
		// A trailing CRLF is tolerated so TCP-style clients can reuse
		// their encoder unchanged.
		h.dp.HandleFrame(c, bytes.TrimRight(payload, "\r\n"))
	}
}
