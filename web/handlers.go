package web

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"evs-camera-service/camera"
	"evs-camera-service/config"
	"evs-camera-service/view"
)

// Handlers holds the HTTP handler functions and their collaborators
type Handlers struct {
	config     *config.Config
	logger     *zap.Logger
	enumerator *camera.Enumerator
	controller *view.Controller
	startTime  time.Time
}

// NewHandlers creates the handler set
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetEnumerator sets the camera registry
func (h *Handlers) SetEnumerator(enumerator *camera.Enumerator) {
	h.enumerator = enumerator
}

// SetController sets the view state controller
func (h *Handlers) SetController(controller *view.Controller) {
	h.controller = controller
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// HandleHealth responds to health checks
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

// HandleAPIStatus reports the overall service state
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime": time.Since(h.startTime).String(),
	}

	if h.controller != nil {
		status["view_state"] = h.controller.CurrentState().String()
		if id, ok := h.controller.ActiveCamera(); ok {
			status["active_camera"] = id
		}
	}
	if h.enumerator != nil {
		status["cameras"] = h.enumerator.Status()
	}

	h.writeJSON(w, http.StatusOK, status)
}

// HandleAPICameras lists the registered camera descriptors
func (h *Handlers) HandleAPICameras(w http.ResponseWriter, r *http.Request) {
	if h.enumerator == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "camera registry not available"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.enumerator.ListCameras())
}

// HandleAPIView reports the current view state
func (h *Handlers) HandleAPIView(w http.ResponseWriter, r *http.Request) {
	if h.controller == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "view controller not available"})
		return
	}

	payload := map[string]interface{}{
		"state": h.controller.CurrentState().String(),
	}
	if id, ok := h.controller.ActiveCamera(); ok {
		payload["active_camera"] = id
	}
	h.writeJSON(w, http.StatusOK, payload)
}
