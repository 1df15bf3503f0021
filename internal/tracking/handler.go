package tracking

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler serves the public pixel and click endpoints. Recording, including
// the rate limit, happens in the Recorder after the response is written.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the tracking routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/t/o/{token}", h.Open)
	r.Get("/t/c/{token}/{sig}", h.Click)
}

// Open always answers with the pixel, whatever happens to the bookkeeping.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	body := h.svc.TrackOpen(r.Context(), chi.URLParam(r, "token"), SignalsFromRequest(r))

	noCache(w)
	w.Header().Set("Content-Type", "image/gif")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Click redirects to the signed target. A bad signature gets 400 and no
// redirect.
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sig := chi.URLParam(r, "sig")
	target := r.URL.Query().Get("u")

	noCache(w)
	if _, err := h.svc.TrackClick(r.Context(), token, sig, target, SignalsFromRequest(r)); err != nil {
		h.logger.Debug("rejected click", zap.Error(err))
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
