package sessionmanager

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/amplifier-gateway/internal/domain"
	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
)

// Cancel cancels sessionID and, depth-first, every descendant it forked.
// Cancellation of a child never propagates back up to its parent.
func (m *Manager) Cancel(ctx context.Context, sessionID string, immediate bool) error {
	ls, ok := m.lookup(sessionID)
	if !ok {
		return domain.ErrNotFound
	}
	return m.cancelTree(ctx, ls, immediate)
}

func (m *Manager) cancelTree(ctx context.Context, ls *liveSession, immediate bool) error {
	ls.mu.Lock()
	children := append([]string(nil), ls.children...)
	ls.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, childID := range children {
		childID := childID
		g.Go(func() error {
			child, ok := m.lookup(childID)
			if !ok {
				return nil
			}
			return m.cancelTree(gctx, child, immediate)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sessionID := ls.meta.ID
	m.approvals.CancelSession(sessionID)

	if ls.handle != nil {
		if err := ls.handle.Cancel(ctx, immediate); err != nil {
			return err
		}
	}

	ls.mu.Lock()
	if immediate && ls.cancelExec != nil {
		ls.cancelExec()
	}
	ls.meta.Status = session.StatusIdle
	ls.meta.UpdatedAt = time.Now()
	meta := toMetadata(ls.meta)
	ls.mu.Unlock()

	if ls.handle != nil {
		// Children have no durable metadata of their own worth snapshotting
		// beyond their transcript, already appended as events arrived.
		if err := m.store.SnapshotMetadata(ctx, sessionID, meta); err != nil {
			return err
		}
	}

	if !immediate {
		m.awaitDrain(ls)
	}

	return nil
}

// awaitDrain waits for a cooperatively-cancelled session's in-flight turn
// to finish naturally, up to the configured deadline.
func (m *Manager) awaitDrain(ls *liveSession) {
	deadline := time.Now().Add(m.cfg.CancelDrainWait)
	for time.Now().Before(deadline) {
		ls.mu.Lock()
		inFlight := ls.inFlight
		ls.mu.Unlock()
		if !inFlight {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
