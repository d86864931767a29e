// Package wsgateway implements the WebSocket multiplexer (component F):
// per-connection authentication handshake, keep-alive, command dispatch,
// and backpressure with content_delta coalescing ahead of a slow-consumer
// disconnect.
package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
)

// Frame is the envelope every client->server WebSocket message shares.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	idleTimeout       = 90 * time.Second
	outboundQueueSize = 256
	maxQueueBytes     = 8 * 1024 * 1024
)

// Dispatcher handles one decoded client frame for a READY connection.
// Implementations live in the session manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, frame Frame)
	// OnDisconnect lets the dispatcher cancel the sessions a connection
	// owns; the Hub calls it only on slow-consumer eviction.
	OnDisconnect(connID string)
}

// TokenVerifier checks a bearer token presented in the first auth frame.
type TokenVerifier func(token string) bool

// Hub manages all active WebSocket connections.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	verify TokenVerifier
	disp   Dispatcher
}

// NewHub creates a Hub. verify authenticates the first client frame; disp
// receives every subsequent frame once a connection reaches READY. disp
// may be nil at construction and supplied later via SetDispatcher, since
// the dispatcher (the session manager) is typically constructed with a
// reference to this same Hub.
func NewHub(verify TokenVerifier, disp Dispatcher) *Hub {
	return &Hub{conns: make(map[string]*conn), verify: verify, disp: disp}
}

// SetDispatcher assigns the frame dispatcher after construction, breaking
// the Hub<->Dispatcher construction cycle at startup.
func (h *Hub) SetDispatcher(disp Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disp = disp
}

// conn wraps a single WebSocket connection and its outbound queue.
type conn struct {
	id          string
	ws          *websocket.Conn
	cancel      context.CancelFunc
	outbox      chan streamevent.ClientFrame
	queuedBytes int64 // sum of marshaled sizes of frames currently sitting in outbox
	closing     sync.Once
}

// HandleWS upgrades the HTTP request to a WebSocket and runs the
// connection's auth handshake, reader, and writer loops.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("wsgateway: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := newConnID()
	c := &conn{id: id, ws: wsConn, cancel: cancel, outbox: make(chan streamevent.ClientFrame, outboundQueueSize)}

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
}

// Send enqueues a frame for connID, coalescing content_delta frames for the
// same (session, index) when the queue is saturated, and closing the
// connection as a slow consumer if coalescing still cannot keep up. Beyond
// the fixed channel slot count (outboundQueueSize), a connection whose
// already-queued frames total maxQueueBytes is treated as saturated too, so
// a burst of a few huge frames can't blow past the intended memory cap
// while still leaving slots free.
func (h *Hub) Send(connID string, frame streamevent.ClientFrame) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	size := frameByteSize(frame)
	if atomic.LoadInt64(&c.queuedBytes)+size <= maxQueueBytes {
		select {
		case c.outbox <- frame:
			atomic.AddInt64(&c.queuedBytes, size)
			return
		default:
		}
	}

	if frame.Type == streamevent.FrameContentDelta && h.coalesce(c, frame) {
		return
	}

	h.evictSlowConsumer(c)
}

// coalesce tries to merge frame into the most recently queued delta for the
// same block by draining and re-appending; returns false if the queue was
// not a simple trailing-delta case (caller should evict instead).
func (h *Hub) coalesce(c *conn, frame streamevent.ClientFrame) bool {
	select {
	case last := <-c.outbox:
		atomic.AddInt64(&c.queuedBytes, -frameByteSize(last))
		if last.Type == streamevent.FrameContentDelta && last.SessionID == frame.SessionID && last.Index == frame.Index {
			merged := last
			lp, _ := last.Payload.(map[string]any)
			fp, _ := frame.Payload.(map[string]any)
			if lp != nil && fp != nil {
				ld, _ := lp["delta"].(string)
				fd, _ := fp["delta"].(string)
				merged.Payload = map[string]any{"delta": ld + fd}
			}
			mergedSize := frameByteSize(merged)
			select {
			case c.outbox <- merged:
				atomic.AddInt64(&c.queuedBytes, mergedSize)
				return true
			default:
				return false
			}
		}
		// Not coalescable; put it back and give up on this attempt.
		select {
		case c.outbox <- last:
			atomic.AddInt64(&c.queuedBytes, frameByteSize(last))
		default:
		}
		return false
	default:
		return false
	}
}

// frameByteSize estimates the wire size of frame for queue accounting. A
// marshal failure here is not fatal to Send/coalesce bookkeeping; fall back
// to a conservative fixed estimate rather than letting the cap go unmeasured.
func frameByteSize(frame streamevent.ClientFrame) int64 {
	data, err := json.Marshal(frame)
	if err != nil {
		return 256
	}
	return int64(len(data))
}

func (h *Hub) evictSlowConsumer(c *conn) {
	slog.Warn("wsgateway: slow consumer, closing connection", "conn", c.id)
	h.closeConn(c, websocket.StatusPolicyViolation, "slow consumer")
}

func (h *Hub) closeConn(c *conn, code websocket.StatusCode, reason string) {
	c.closing.Do(func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		c.cancel()
		_ = c.ws.Close(code, reason)
		// A normal close leaves the connection's sessions running.
		if h.disp != nil && code == websocket.StatusPolicyViolation {
			h.disp.OnDisconnect(c.id)
		}
	})
}

func newConnID() string {
	return "conn_" + randHex(8)
}
