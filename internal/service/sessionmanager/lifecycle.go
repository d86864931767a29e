package sessionmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/approvalbroker"
	gwotel "github.com/Strob0t/amplifier-gateway/internal/adapter/otel"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/streamadapter"
	"github.com/Strob0t/amplifier-gateway/internal/domain"
	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
	"github.com/Strob0t/amplifier-gateway/internal/domain/streamevent"
	"github.com/Strob0t/amplifier-gateway/internal/port/runtimeclient"
)

// Create prepares a bundle, opens (or resumes) a session's transcript, and
// creates its runtime handle. connID is the WebSocket connection that will
// own the session's outbound frames; it is empty for sessions created
// purely over REST (no live stream attached yet).
func (m *Manager) Create(ctx context.Context, connID string, req session.CreateRequest) (session.Session, error) {
	var provider map[string]string
	if req.Provider != nil {
		provider = map[string]string{"provider": req.Provider.Provider, "model": req.Provider.Model}
	}

	plan, err := m.bundles.Prepare(ctx, req.Bundle, req.Behaviors, provider)
	if err != nil {
		return session.Session{}, fmt.Errorf("sessionmanager: prepare bundle: %w", err)
	}

	sessionID := req.ResumeSessionID
	var meta session.Session
	if sessionID != "" {
		existing, err := m.store.LoadMetadata(ctx, sessionID)
		if err != nil {
			return session.Session{}, fmt.Errorf("sessionmanager: load resumed session: %w", err)
		}
		meta = fromMetadata(existing)
		meta.Status = session.StatusActive
		meta.UpdatedAt = time.Now()
	} else {
		sessionID = newSessionID()
		now := time.Now()
		meta = session.Session{
			ID:        sessionID,
			ParentID:  req.ParentID,
			Bundle:    req.Bundle,
			Behaviors: req.Behaviors,
			CWD:       req.CWD,
			Status:    session.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := m.store.Open(ctx, toMetadata(meta)); err != nil {
		return session.Session{}, fmt.Errorf("sessionmanager: open transcript store: %w", err)
	}

	var transcriptEntries []map[string]any
	if req.InitialTranscript {
		entries, err := m.store.LoadTranscript(ctx, sessionID)
		if err != nil {
			return session.Session{}, fmt.Errorf("sessionmanager: load transcript for resume: %w", err)
		}
		for _, e := range entries {
			raw, _ := toRawTranscript(e)
			transcriptEntries = append(transcriptEntries, raw)
		}
	}

	adapter := streamadapter.New(sessionID, m.emitter(connID), m.metrics)

	ls := &liveSession{
		meta:    meta,
		adapter: adapter,
		rootID:  sessionID,
		connID:  connID,
	}

	sinks := runtimeclient.Sinks{
		Events: func(ctx context.Context, ev streamevent.RuntimeEvent) { m.routeEvent(ctx, sessionID, ev) },
		Display: func(ctx context.Context, level, message, source string) {
			m.emitDisplay(ctx, connID, sessionID, level, message, source)
		},
		Approve: func(ctx context.Context, prompt string, options []string, timeout int, def string) (string, error) {
			return m.approvals.Request(ctx, sessionID, prompt, options, durationOrDefault(timeout, m.cfg.ApprovalTimeout), def, m.approvalEmitter(connID, sessionID))
		},
	}

	handle, err := m.runtime.CreateSession(ctx, plan, runtimeclient.SessionConfig{
		CWD:               req.CWD,
		InitialTranscript: transcriptEntries,
	}, sinks)
	if err != nil {
		return session.Session{}, fmt.Errorf("sessionmanager: create runtime session: %w", err)
	}
	ls.handle = handle

	m.mu.Lock()
	m.sessions[sessionID] = ls
	if connID != "" {
		m.connOwner[connID] = append(m.connOwner[connID], sessionID)
	}
	m.mu.Unlock()

	m.sendRaw(connID, streamevent.ClientFrame{
		Type:      streamevent.FrameSessionCreated,
		SessionID: sessionID,
		Payload: map[string]any{
			"bundle":    meta.Bundle,
			"behaviors": meta.Behaviors,
		},
	})

	m.sendRaw(connID, streamevent.ClientFrame{
		Type:      streamevent.FrameBundleDebugInfo,
		SessionID: sessionID,
		Payload: map[string]any{
			"bundle":       plan.Bundle,
			"behaviors":    plan.Behaviors,
			"agent_config": plan.AgentConfig,
		},
	})

	m.sendRaw(connID, streamevent.ClientFrame{
		Type:      streamevent.FrameSessionStart,
		SessionID: sessionID,
	})

	return meta, nil
}

func durationOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func (m *Manager) approvalEmitter(connID, sessionID string) approvalbroker.Emitter {
	return func(ctx context.Context, frame approvalbroker.RequestFrame) {
		m.sendRaw(connID, streamevent.ClientFrame{
			Type:      streamevent.FrameApprovalRequest,
			SessionID: sessionID,
			Payload: map[string]any{
				"id":      frame.ID,
				"prompt":  frame.Prompt,
				"options": frame.Options,
				"timeout": frame.Timeout,
			},
		})
	}
}

func (m *Manager) emitDisplay(ctx context.Context, connID, sessionID, level, message, source string) {
	m.sendRaw(connID, streamevent.ClientFrame{
		Type:      streamevent.FrameDisplayMessage,
		SessionID: sessionID,
		Payload:   map[string]any{"level": level, "message": message, "source": source},
	})
}

// Prompt drives one turn: at most one Execute may be in flight per session.
func (m *Manager) Prompt(ctx context.Context, sessionID, text string, images, attachments []string) error {
	ls, ok := m.lookup(sessionID)
	if !ok {
		return domain.ErrNotFound
	}
	if ls.handle == nil {
		return fmt.Errorf("sessionmanager: %w: child sessions cannot be prompted directly", domain.ErrValidation)
	}

	ls.mu.Lock()
	if ls.inFlight {
		ls.mu.Unlock()
		return domain.ErrBusy
	}
	ls.inFlight = true
	execCtx, cancel := context.WithCancel(ctx)
	ls.cancelExec = cancel
	ls.turn = newTurnAccumulator()
	ls.mu.Unlock()

	if err := m.store.Append(ctx, sessionID, userTranscriptEntry(text)); err != nil {
		return fmt.Errorf("sessionmanager: append user turn: %w", err)
	}

	turnCtx, turnSpan := gwotel.StartTurnSpan(execCtx, sessionID)
	turnStarted := time.Now()
	if m.metrics != nil {
		m.metrics.TurnsStarted.Add(turnCtx, 1)
	}

	err := ls.handle.Execute(turnCtx, text, images, attachments)

	if m.metrics != nil {
		m.metrics.TurnDuration.Record(turnCtx, time.Since(turnStarted).Seconds())
		if err != nil {
			m.metrics.TurnsErrored.Add(turnCtx, 1)
		} else {
			m.metrics.TurnsFinished.Add(turnCtx, 1)
		}
	}
	if err != nil {
		turnSpan.SetStatus(codes.Error, err.Error())
	}
	turnSpan.End()

	ls.mu.Lock()
	inFlightTurn := ls.turn
	ls.turn = nil
	ls.inFlight = false
	ls.cancelExec = nil
	ls.meta.UpdatedAt = time.Now()
	if err != nil {
		ls.meta.Status = session.StatusErrored
	}
	meta := toMetadata(ls.meta)
	ls.mu.Unlock()

	if entry, ok := inFlightTurn.finalize(); ok {
		if appendErr := m.store.Append(ctx, sessionID, entry); appendErr != nil {
			return fmt.Errorf("sessionmanager: append assistant turn: %w", appendErr)
		}
	}

	if err != nil {
		if snapErr := m.store.SnapshotMetadata(ctx, sessionID, meta); snapErr != nil {
			slog.Warn("sessionmanager: failed to persist errored status", "session", sessionID, "error", snapErr)
		}
		m.sendRaw(ls.connID, streamevent.ClientFrame{
			Type:      streamevent.FrameSessionEnd,
			SessionID: sessionID,
			Payload:   map[string]any{"reason": "error", "message": err.Error()},
		})
	}

	return err
}
