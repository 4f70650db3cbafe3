package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin using chi.
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/health", handlers.handleHealth)
	r.Get("/channels", handlers.handleChannels)
	r.Get("/nodes", handlers.handleNodes)
	r.Get("/gaps", handlers.handleGaps)
	r.Get("/stats", handlers.handleStats)
	r.Post("/wake", handlers.handleWake)

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", handlers.handleBatches)
		r.Get("/{nodeID}/{batchID}/events", handlers.batchEvents)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

func (h *Handlers) batchEvents(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid batch ID")
		return
	}
	h.handleBatchEvents(w, r, nodeID, batchID)
}
