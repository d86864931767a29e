// Package approvalbroker implements the approval broker port (component C):
// it correlates pending approval requests with client responses, applies a
// timeout/default fallback, and caches "always"-qualified decisions per
// session so the same prompt never re-prompts within that session.
package approvalbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/amplifier-gateway/internal/domain/approval"
)

// RequestFrame is emitted to the client when a fresh prompt must be shown.
type RequestFrame struct {
	ID      string
	Prompt  string
	Options []string
	Timeout int
}

// Emitter pushes a RequestFrame out over the owning session's connection.
type Emitter func(ctx context.Context, frame RequestFrame)

// AuditSink records the outcome of every resolved approval.
type AuditSink func(entry approval.AuditEntry)

type pendingEntry struct {
	ch        chan string
	def       string
	sessionID string
	prompt    string
	fp        string
	timer     *time.Timer
	resolved  bool
}

// Broker is a per-process approval correlator. One Broker instance is
// shared by all sessions; pending state and the fingerprint cache are both
// keyed by session id internally.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry          // approval id -> entry
	cache   map[string]map[string]string      // session id -> fingerprint -> choice
	counter uint64

	audit AuditSink
}

// New creates an empty Broker. audit may be nil to discard the trail.
func New(audit AuditSink) *Broker {
	if audit == nil {
		audit = func(approval.AuditEntry) {}
	}
	return &Broker{
		pending: make(map[string]*pendingEntry),
		cache:   make(map[string]map[string]string),
		audit:   audit,
	}
}

// Fingerprint returns the stable cache key for a (prompt, options) pair,
// matching original_source's hash((prompt, tuple(options))) in spirit: a
// deterministic hash over a canonical encoding, not Python's hash().
func Fingerprint(prompt string, options []string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	for _, o := range options {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(o))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func nextID(n uint64) string {
	return fmt.Sprintf("apr_%d", n)
}

// Request asks the client to resolve prompt/options for sessionID, waiting
// up to timeout before falling back to def. If a cached "always" decision
// exists for this session+fingerprint, it is returned immediately and emit
// is never called.
func (b *Broker) Request(ctx context.Context, sessionID, prompt string, options []string, timeout time.Duration, def string, emit Emitter) (string, error) {
	fp := Fingerprint(prompt, options)

	b.mu.Lock()
	if sessCache, ok := b.cache[sessionID]; ok {
		if choice, ok := sessCache[fp]; ok {
			b.mu.Unlock()
			return choice, nil
		}
	}
	b.counter++
	id := nextID(b.counter)
	entry := &pendingEntry{ch: make(chan string, 1), def: def, sessionID: sessionID, prompt: prompt, fp: fp}
	b.pending[id] = entry
	b.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		b.resolve(id, entry.def, approval.ResolvedByTimeout)
	})
	defer entry.timer.Stop()

	emit(ctx, RequestFrame{ID: id, Prompt: prompt, Options: options, Timeout: int(timeout.Seconds())})

	select {
	case choice := <-entry.ch:
		if strings.Contains(strings.ToLower(choice), "always") {
			b.mu.Lock()
			if b.cache[sessionID] == nil {
				b.cache[sessionID] = make(map[string]string)
			}
			b.cache[sessionID][fp] = choice
			b.mu.Unlock()
		}
		return choice, nil
	case <-ctx.Done():
		b.cancelOne(id, approval.ResolvedByCancel)
		return def, ctx.Err()
	}
}

// Respond resolves a pending approval with the client's chosen option. The
// first of {Respond, timeout} to fire wins; later calls are no-ops.
func (b *Broker) Respond(sessionID, id, choice string) bool {
	return b.resolve(id, choice, approval.ResolvedByResponse) == nil
}

// CancelSession fires every pending approval belonging to sessionID with
// its configured default, used when a session is cancelled or torn down.
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	ids := make([]string, 0)
	for id, entry := range b.pending {
		if entry.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.resolve(id, "", approval.ResolvedByCancel)
	}
}

// CancelAll fires every pending approval process-wide, used at shutdown.
func (b *Broker) CancelAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.resolve(id, "", approval.ResolvedByCancel)
	}
}

func (b *Broker) cancelOne(id string, _ approval.Resolution) {
	b.resolve(id, "", approval.ResolvedByCancel)
}

// resolve settles a pending approval exactly once; subsequent calls return
// an error rather than double-delivering to the waiter's channel.
func (b *Broker) resolve(id, choice string, how approval.Resolution) error {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if !ok || entry.resolved {
		b.mu.Unlock()
		return fmt.Errorf("approvalbroker: %s already resolved or unknown", id)
	}
	entry.resolved = true
	delete(b.pending, id)
	b.mu.Unlock()

	final := choice
	if how != approval.ResolvedByResponse && final == "" {
		final = entry.def
	}

	select {
	case entry.ch <- final:
	default:
	}

	b.audit(approval.AuditEntry{
		RequestID:   id,
		SessionID:   entry.sessionID,
		Prompt:      entry.prompt,
		Choice:      final,
		Fingerprint: entry.fp,
		Resolution:  how,
		ResolvedAt:  time.Now(),
	})
	return nil
}

// MarshalAudit is a convenience helper for writing an AuditEntry as one
// JSONL line; cmd/gateway's audit sink uses it to append to
// approval-audit.jsonl in the state directory.
func MarshalAudit(e approval.AuditEntry) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("approvalbroker: marshal audit entry failed", "error", err)
		return nil, err
	}
	return append(line, '\n'), nil
}
