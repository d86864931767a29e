// Package http implements the REST surface (§6.3): bundle/behavior
// registries, session history, preferences, and document extraction,
// fronting the same session manager the WebSocket multiplexer drives.
package http

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/amplifier-gateway/internal/adapter/prefsstore"
	"github.com/Strob0t/amplifier-gateway/internal/adapter/webtoken"
	"github.com/Strob0t/amplifier-gateway/internal/domain/artifact"
	"github.com/Strob0t/amplifier-gateway/internal/domain/session"
	"github.com/Strob0t/amplifier-gateway/internal/domain/transcript"
)

// SessionManager is the subset of sessionmanager.Manager the REST surface
// needs. Declared narrowly here so this package does not import the
// concrete service package.
type SessionManager interface {
	List(ctx context.Context) ([]session.Metadata, error)
	Transcript(ctx context.Context, sessionID string) ([]transcript.Entry, error)
	Artifacts(ctx context.Context, sessionID string) ([]artifact.Entry, error)
	Rename(ctx context.Context, sessionID, name string) error
	Delete(ctx context.Context, sessionID string) error
}

// Handlers holds the collaborators every REST endpoint needs.
type Handlers struct {
	Sessions SessionManager
	Prefs    *prefsstore.Store
	Tokens   *webtoken.Provider
	Home     string
	Started  time.Time
}

// NewHandlers constructs a Handlers set. home is the user's home
// directory, used to validate file:// custom registry URIs.
func NewHandlers(sessions SessionManager, prefs *prefsstore.Store, tokens *webtoken.Provider, home string) *Handlers {
	return &Handlers{Sessions: sessions, Prefs: prefs, Tokens: tokens, Home: home, Started: time.Now()}
}

// HandleHealth answers GET /api/health without requiring auth.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.Started).String(),
	})
}

// HandleAuthVerify answers GET /api/auth/verify: reaching this handler at
// all means the bearer-token middleware already accepted the request.
func (h *Handlers) HandleAuthVerify(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// HandleLocalToken answers GET /api/auth/local-token: it hands back the
// single bearer token so a co-located browser session can bootstrap
// without a login form. Callers must bind this route to loopback only.
func (h *Handlers) HandleLocalToken(w http.ResponseWriter, _ *http.Request) {
	token, err := h.Tokens.Token()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// HandleListSessions answers GET /api/sessions and GET
// /api/sessions/history with the same saved-session summary list; the
// gateway does not distinguish live-vs-archived the way a multi-tenant
// history view would.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleSessionTranscript answers GET /api/sessions/history/{id}/transcript.
func (h *Handlers) HandleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "session id") {
		return
	}
	entries, err := h.Sessions.Transcript(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleSessionArtifacts answers GET /api/sessions/{id}/artifacts.
func (h *Handlers) HandleSessionArtifacts(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "session id") {
		return
	}
	entries, err := h.Sessions.Artifacts(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleRenameSession answers PUT /api/sessions/history/{id}/rename.
func (h *Handlers) HandleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "session id") {
		return
	}
	body, ok := readJSON[struct {
		Name string `json:"name"`
	}](w, r, 4<<10)
	if !ok {
		return
	}
	if err := sanitizeName(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Sessions.Rename(r.Context(), id, body.Name); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"renamed": true})
}

// HandleDeleteSession answers DELETE /api/sessions/history/{id}.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "session id") {
		return
	}
	if err := h.Sessions.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleGetPreferences answers GET /api/preferences.
func (h *Handlers) HandleGetPreferences(w http.ResponseWriter, _ *http.Request) {
	prefs, err := h.Prefs.Load()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandlePutPreferences answers PUT /api/preferences: a partial update,
// merging only the fields present in the request body.
func (h *Handlers) HandlePutPreferences(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[map[string]any](w, r, 8<<10)
	if !ok {
		return
	}

	updates := prefsstore.Preferences{}
	fields := make(map[string]bool, len(body))
	if v, present := body["default_bundle"]; present {
		fields["default_bundle"] = true
		if s, ok := v.(string); ok {
			updates.DefaultBundle = s
		}
	}
	if v, present := body["default_behaviors"]; present {
		fields["default_behaviors"] = true
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					updates.DefaultBehaviors = append(updates.DefaultBehaviors, s)
				}
			}
		}
	}
	if v, present := body["show_thinking"]; present {
		fields["show_thinking"] = true
		if b, ok := v.(bool); ok {
			updates.ShowThinking = b
		}
	}
	if v, present := body["default_cwd"]; present {
		fields["default_cwd"] = true
		if s, ok := v.(string); ok {
			updates.DefaultCWD = s
		}
	}

	prefs, err := h.Prefs.Update(updates, fields)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandleListCustomBundles answers GET /api/bundles: the built-in catalog
// lives in the bundle collaborator, so this surfaces only the locally
// registered custom entries plus the preferred default.
func (h *Handlers) HandleListCustomBundles(w http.ResponseWriter, r *http.Request) {
	h.listRegistry(w, r, true)
}

// HandleListCustomBehaviors answers GET /api/behaviors.
func (h *Handlers) HandleListCustomBehaviors(w http.ResponseWriter, r *http.Request) {
	h.listRegistry(w, r, false)
}

func (h *Handlers) listRegistry(w http.ResponseWriter, _ *http.Request, bundle bool) {
	prefs, err := h.Prefs.Load()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if bundle {
		writeJSON(w, http.StatusOK, prefs.CustomBundles)
		return
	}
	writeJSON(w, http.StatusOK, prefs.CustomBehaviors)
}

// HandleGetBundle answers GET /api/bundles/{name}: a single lookup against
// the same custom registry HandleListCustomBundles surfaces.
func (h *Handlers) HandleGetBundle(w http.ResponseWriter, r *http.Request) {
	h.getRegistryEntry(w, r, true)
}

// HandleGetBehavior answers GET /api/behaviors/{name}.
func (h *Handlers) HandleGetBehavior(w http.ResponseWriter, r *http.Request) {
	h.getRegistryEntry(w, r, false)
}

func (h *Handlers) getRegistryEntry(w http.ResponseWriter, r *http.Request, bundle bool) {
	name := urlParam(r, "name")
	if !requireField(w, name, "name") {
		return
	}
	prefs, err := h.Prefs.Load()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	list := prefs.CustomBundles
	if !bundle {
		list = prefs.CustomBehaviors
	}
	for _, entry := range list {
		if entry.Name == name {
			writeJSON(w, http.StatusOK, entry)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}

type registerRequest struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandleAddCustomBundle answers POST /api/bundles/custom.
func (h *Handlers) HandleAddCustomBundle(w http.ResponseWriter, r *http.Request) {
	h.addCustom(w, r, true)
}

// HandleAddCustomBehavior answers POST /api/behaviors/custom.
func (h *Handlers) HandleAddCustomBehavior(w http.ResponseWriter, r *http.Request) {
	h.addCustom(w, r, false)
}

func (h *Handlers) addCustom(w http.ResponseWriter, r *http.Request, bundle bool) {
	body, ok := readJSON[registerRequest](w, r, 4<<10)
	if !ok {
		return
	}
	if !requireField(w, body.URI, "uri") || !requireField(w, body.Name, "name") {
		return
	}
	if err := sanitizeName(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		prefs prefsstore.Preferences
		err   error
	)
	if bundle {
		prefs, err = h.Prefs.AddCustomBundle(body.URI, body.Name, body.Description)
	} else {
		prefs, err = h.Prefs.AddCustomBehavior(body.URI, body.Name, body.Description)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandleRemoveCustomBundle answers DELETE /api/bundles/custom/{name}.
func (h *Handlers) HandleRemoveCustomBundle(w http.ResponseWriter, r *http.Request) {
	h.removeCustom(w, r, true)
}

// HandleRemoveCustomBehavior answers DELETE /api/behaviors/custom/{name}.
func (h *Handlers) HandleRemoveCustomBehavior(w http.ResponseWriter, r *http.Request) {
	h.removeCustom(w, r, false)
}

func (h *Handlers) removeCustom(w http.ResponseWriter, r *http.Request, bundle bool) {
	name := urlParam(r, "name")
	if !requireField(w, name, "name") {
		return
	}

	var (
		prefs prefsstore.Preferences
		err   error
	)
	if bundle {
		prefs, err = h.Prefs.RemoveCustomBundle(name)
	} else {
		prefs, err = h.Prefs.RemoveCustomBehavior(name)
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandleValidateRegistry answers POST /api/bundles/validate (and doubles
// for behaviors; the URI scheme rules are identical for both).
func (h *Handlers) HandleValidateRegistry(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		URI string `json:"uri"`
	}](w, r, 2<<10)
	if !ok {
		return
	}
	if err := prefsstore.ValidateRegistryURI(body.URI, h.Home); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

const maxExtractBytes = 20 << 20 // 20 MiB decoded

// HandleExtract answers POST /api/extract: best-effort document text
// extraction so attachments can be folded into a prompt as text content.
// PDF/DOCX parsing has no grounded pure-Go library in this codebase's
// dependency set, so those types degrade the same way the original does
// when its optional parser package is not installed: a clear error rather
// than a guess.
func (h *Handlers) HandleExtract(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Filename string `json:"filename"`
		Content  string `json:"content_b64"`
	}](w, r, (maxExtractBytes*4)/3+4<<10)
	if !ok {
		return
	}
	if !requireField(w, body.Filename, "filename") {
		return
	}
	if body.Content == "" {
		writeJSON(w, http.StatusOK, map[string]string{"error": "no content provided"})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "invalid base64 content"})
		return
	}
	if len(raw) > maxExtractBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large to extract")
		return
	}

	text, extractErr := extractText(body.Filename, raw)
	if extractErr != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": extractErr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func extractText(filename string, raw []byte) (string, error) {
	switch {
	case hasSuffixFold(filename, ".txt"), hasSuffixFold(filename, ".md"):
		return decodeTextFile(raw)
	case hasSuffixFold(filename, ".pdf"):
		return "", errUnsupportedExtraction("PDF")
	case hasSuffixFold(filename, ".docx"):
		return "", errUnsupportedExtraction("DOCX")
	default:
		return "", errUnsupportedExtraction("file type of " + filename)
	}
}

func decodeTextFile(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return "", errUnsupportedExtraction("text encoding")
}

type extractionError struct{ kind string }

func errUnsupportedExtraction(kind string) error { return &extractionError{kind: kind} }
func (e *extractionError) Error() string         { return "extraction not supported: " + e.kind }

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := range tail {
		if tail[i] >= 'A' && tail[i] <= 'Z' {
			if tail[i]+32 != suffix[i] {
				return false
			}
			continue
		}
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}
