package sessionmanager

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/wsgateway"
	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
)

// Dispatch implements wsgateway.Dispatcher: it decodes one client frame and
// drives the corresponding Manager operation, replying with error/result
// frames on the same connection rather than propagating the error back to
// the transport layer (a malformed frame must never drop the connection).
func (m *Manager) Dispatch(ctx context.Context, connID string, frame wsgateway.Frame) {
	switch frame.Type {
	case "create_session":
		var req session.CreateRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			m.sendError(connID, "", "invalid create_session payload")
			return
		}
		if _, err := m.Create(ctx, connID, req); err != nil {
			m.sendError(connID, "", err.Error())
		}

	case "prompt":
		var body struct {
			SessionID   string   `json:"session_id"`
			Text        string   `json:"text"`
			Images      []string `json:"images"`
			Attachments []string `json:"attachments"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			m.sendError(connID, frame.SessionID, "invalid prompt payload")
			return
		}
		go func() {
			if err := m.Prompt(ctx, body.SessionID, body.Text, body.Images, body.Attachments); err != nil {
				m.sendError(connID, body.SessionID, err.Error())
			}
		}()

	case "cancel":
		var body struct {
			SessionID string `json:"session_id"`
			Immediate bool   `json:"immediate"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			m.sendError(connID, frame.SessionID, "invalid cancel payload")
			return
		}
		go func() {
			if err := m.Cancel(ctx, body.SessionID, body.Immediate); err != nil {
				m.sendError(connID, body.SessionID, err.Error())
				return
			}
			m.sendRaw(connID, streamevent.ClientFrame{
				Type:      "cancel_acknowledged",
				SessionID: body.SessionID,
				Payload:   map[string]any{"immediate": body.Immediate},
			})
		}()

	case "approval_response":
		var body struct {
			SessionID string `json:"session_id"`
			ID        string `json:"id"`
			Choice    string `json:"choice"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			m.sendError(connID, frame.SessionID, "invalid approval_response payload")
			return
		}
		m.approvals.Respond(body.SessionID, body.ID, body.Choice)

	case "rename_session":
		var body struct {
			SessionID string `json:"session_id"`
			Name      string `json:"name"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			m.sendError(connID, frame.SessionID, "invalid rename_session payload")
			return
		}
		if err := m.Rename(ctx, body.SessionID, body.Name); err != nil {
			m.sendError(connID, body.SessionID, err.Error())
		}

	case "delete_session":
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			m.sendError(connID, frame.SessionID, "invalid delete_session payload")
			return
		}
		if err := m.Delete(ctx, body.SessionID); err != nil {
			m.sendError(connID, body.SessionID, err.Error())
		}

	case "command":
		var body struct {
			SessionID string `json:"session_id"`
			Name      string `json:"name"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			m.sendError(connID, frame.SessionID, "invalid command payload")
			return
		}
		m.handleCommand(ctx, connID, body.SessionID, body.Name)

	default:
		slog.Debug("sessionmanager: unhandled frame type", "type", frame.Type)
		m.sendError(connID, frame.SessionID, "unrecognized frame type: "+frame.Type)
	}
}

// handleCommand answers a client's "status"/"tools" introspection command
// for a session, replying with a command_result frame. Unknown commands and
// unknown sessions get an error frame rather than a silently dropped reply.
func (m *Manager) handleCommand(ctx context.Context, connID, sessionID, name string) {
	ls, ok := m.lookup(sessionID)
	if !ok {
		m.sendError(connID, sessionID, "unknown session: "+sessionID)
		return
	}

	switch name {
	case "status":
		ls.mu.Lock()
		result := map[string]any{
			"status":     string(ls.meta.Status),
			"turn_count": ls.meta.TurnCount,
			"in_flight":  ls.inFlight,
		}
		ls.mu.Unlock()
		m.sendRaw(connID, streamevent.ClientFrame{
			Type:      streamevent.FrameCommandResult,
			SessionID: sessionID,
			Payload:   map[string]any{"command": name, "result": result},
		})

	case "tools":
		ls.mu.Lock()
		behaviors := append([]string(nil), ls.meta.Behaviors...)
		ls.mu.Unlock()
		m.sendRaw(connID, streamevent.ClientFrame{
			Type:      streamevent.FrameCommandResult,
			SessionID: sessionID,
			Payload:   map[string]any{"command": name, "result": map[string]any{"behaviors": behaviors}},
		})

	default:
		m.sendError(connID, sessionID, "unrecognized command: "+name)
	}
}

// OnDisconnect releases this connection's bookkeeping. A normal close
// leaves sessions running: their transcript is durable and a client can
// resume them from a fresh connection. wsgateway only calls OnDisconnect on
// eviction (a slow or unresponsive consumer), so any session this
// connection owns is cancelled immediately rather than left driving a
// runtime turn nobody is watching.
func (m *Manager) OnDisconnect(connID string) {
	m.mu.Lock()
	owned := m.connOwner[connID]
	delete(m.connOwner, connID)
	m.mu.Unlock()

	for _, sessionID := range owned {
		go func(id string) {
			if err := m.Cancel(context.Background(), id, true); err != nil {
				slog.Warn("sessionmanager: cancel on disconnect failed", "session", id, "error", err)
			}
		}(sessionID)
	}
}

func (m *Manager) sendError(connID, sessionID, message string) {
	m.sendRaw(connID, streamevent.ClientFrame{
		Type:      streamevent.FrameError,
		SessionID: sessionID,
		Payload:   map[string]any{"message": message},
	})
}
