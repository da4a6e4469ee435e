// Package tracking serves the open-pixel and click-redirect callbacks
// recipient mail clients hit. Handlers are stateless, run concurrently
// with each other and with the dispatch worker, and share nothing with it
// but the delivery-log table; every mutation is a single atomic statement
// in the store, so no locking happens here.
package tracking

import (
	"encoding/base64"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inkpost/inkpost/internal/newsletter"
	"github.com/inkpost/inkpost/internal/pkg/logger"
)

// 1x1 transparent PNG.
var pixelPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

// Handler serves tracking callbacks.
type Handler struct {
	logs newsletter.DeliveryLogStore
	log  *logger.Logger
}

// NewHandler creates a tracking handler over a delivery-log store.
func NewHandler(logs newsletter.DeliveryLogStore) *Handler {
	return &Handler{logs: logs, log: logger.With("tracking")}
}

// Routes returns the tracking router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/newsletter/track/{trackingID}", h.HandleOpen)
	r.Get("/newsletter/click/{trackingID}", h.HandleClick)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen processes a pixel fetch. Every fetch increments the open
// counter — deliberately repeatable, opens from multiple devices all
// count. Unknown ids get a plain 404; store errors serve the pixel
// anyway, a broken counter must stay invisible to the recipient.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	found, err := h.logs.RecordOpen(r.Context(), trackingID)
	if err != nil {
		h.log.Error("record open", "tracking_id", trackingID, "error", err)
		h.servePixel(w)
		return
	}
	if !found {
		http.Error(w, "unknown tracking id", http.StatusNotFound)
		return
	}

	log.Printf("[Tracking] OPEN id=%s ip=%s", trackingID, realIP(r))
	h.servePixel(w)
}

// HandleClick processes a click redirect. The url parameter is required;
// the redirect is issued even when the tracking update fails, tracking
// must never block the recipient's navigation.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	found, err := h.logs.RecordClick(r.Context(), trackingID)
	if err != nil {
		h.log.Error("record click", "tracking_id", trackingID, "error", err)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if !found {
		http.Error(w, "unknown tracking id", http.StatusNotFound)
		return
	}

	log.Printf("[Tracking] CLICK id=%s ip=%s", trackingID, realIP(r))
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleHealth reports liveness for the standalone tracking binary.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelPNG)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
