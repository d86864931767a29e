package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	gwotel "github.com/Strob0t/amplifier-gateway/internal/adapter/otel"
	"github.com/Strob0t/amplifier-gateway/internal/middleware"
)

// WSHandler upgrades and drives a multiplexed WebSocket connection. It is
// the narrow surface routes.go needs from wsgateway.Hub.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// NewRouter assembles the gateway's full HTTP surface: the WebSocket
// multiplexer at /ws and the REST endpoints under /api, behind the usual
// chi request-scoped middleware plus bearer-token auth.
func NewRouter(h *Handlers, ws WSHandler, tokens middleware.TokenProvider, corsOrigin string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(SecurityHeaders)
	r.Use(CORS(corsOrigin))
	r.Use(Logger)
	r.Use(gwotel.HTTPMiddleware("amplifier-gateway"))

	// The WebSocket handshake authenticates itself with an in-band auth
	// frame (see wsgateway.Hub.awaitAuth), not an Authorization header, so
	// /ws sits outside the bearer-token middleware applied to /api.
	r.Get("/ws", ws.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(tokens))

		r.Get("/health", h.HandleHealth)
		r.Get("/auth/verify", h.HandleAuthVerify)
		r.Get("/auth/local-token", h.HandleLocalToken)

		r.Get("/bundles", h.HandleListCustomBundles)
		r.Post("/bundles/custom", h.HandleAddCustomBundle)
		r.Delete("/bundles/custom/{name}", h.HandleRemoveCustomBundle)
		r.Post("/bundles/validate", h.HandleValidateRegistry)
		r.Get("/bundles/{name}", h.HandleGetBundle)

		r.Get("/behaviors", h.HandleListCustomBehaviors)
		r.Post("/behaviors/custom", h.HandleAddCustomBehavior)
		r.Delete("/behaviors/custom/{name}", h.HandleRemoveCustomBehavior)
		r.Post("/behaviors/validate", h.HandleValidateRegistry)
		r.Get("/behaviors/{name}", h.HandleGetBehavior)

		r.Get("/sessions", h.HandleListSessions)
		r.Get("/sessions/history", h.HandleListSessions)
		r.Get("/sessions/history/{id}/transcript", h.HandleSessionTranscript)
		r.Put("/sessions/history/{id}/rename", h.HandleRenameSession)
		r.Delete("/sessions/history/{id}", h.HandleDeleteSession)
		r.Get("/sessions/{id}/artifacts", h.HandleSessionArtifacts)

		r.Get("/preferences", h.HandleGetPreferences)
		r.Put("/preferences", h.HandlePutPreferences)

		r.Post("/extract", h.HandleExtract)
	})

	return r
}
