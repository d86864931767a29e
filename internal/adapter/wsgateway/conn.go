package wsgateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
)

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type authFrame struct {
	Token string `json:"token"`
}

// readLoop drives one connection's lifecycle: AWAITING_AUTH, then READY
// frame dispatch, enforcing the idle-timeout keep-alive.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	defer h.closeConn(c, websocket.StatusNormalClosure, "")

	if !h.awaitAuth(ctx, c) {
		return
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		_, data, err := c.ws.Read(readCtx)
		cancel()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(c, "invalid frame")
			continue
		}

		switch frame.Type {
		case "ping":
			h.Send(c.id, streamevent.ClientFrame{Type: streamevent.FramePong})
		default:
			if h.disp != nil {
				h.disp.Dispatch(ctx, c.id, frame)
			}
		}
	}
}

// awaitAuth enforces that the first client frame is {type:"auth", token}.
// Returns false (closing the connection with code 4001) on failure.
func (h *Hub) awaitAuth(ctx context.Context, c *conn) bool {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return false
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		h.closeConn(c, websocket.StatusCode(4001), "auth required")
		return false
	}

	// The token may sit at the top level of the frame or inside its payload.
	var auth authFrame
	_ = json.Unmarshal(frame.Payload, &auth)
	if auth.Token == "" {
		_ = json.Unmarshal(data, &auth)
	}
	if h.verify == nil || !h.verify(auth.Token) {
		h.closeConn(c, websocket.StatusCode(4001), "invalid token")
		return false
	}

	h.Send(c.id, streamevent.ClientFrame{Type: "auth_success"})
	return true
}

func (h *Hub) sendError(c *conn, message string) {
	h.Send(c.id, streamevent.ClientFrame{Type: streamevent.FrameError, Payload: map[string]any{"message": message}})
}

// writeLoop drains a connection's outbound queue onto the wire.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				slog.Error("wsgateway: marshal frame failed", "error", err)
				continue
			}
			atomic.AddInt64(&c.queuedBytes, -int64(len(data)))
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.closeConn(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
