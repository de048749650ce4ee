package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"multicam-recorder/camera"
	"multicam-recorder/config"
	"multicam-recorder/events"

	"go.uber.org/zap"
)

// FleetStatus reports the live state of every camera worker
type FleetStatus interface {
	Status() []camera.WorkerStatus
}

// EventSource is where diagnostics events come from
type EventSource interface {
	Subscribe(id string, buffer int) (<-chan events.Event, error)
	Unsubscribe(id string) error
	Recent() []events.Event
}

// Starter is an operator go signal
type Starter interface {
	Confirm()
	Confirmed() bool
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	fleet   FleetStatus
	events  EventSource
	starter Starter
	started time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:  cfg,
		logger:  logger,
		started: time.Now(),
	}
}

// SetFleet sets the fleet status source
func (h *Handlers) SetFleet(fleet FleetStatus) {
	h.fleet = fleet
}

// SetEvents sets the event source
func (h *Handlers) SetEvents(source EventSource) {
	h.events = source
}

// SetStarter sets the go signal
func (h *Handlers) SetStarter(starter Starter) {
	h.starter = starter
}

// HandleAPIStatus returns the status of every camera and the recent events
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"session": h.config.Output.Session,
		"primary": h.config.Fleet.PrimarySerial,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}

	if h.fleet != nil {
		status["cameras"] = h.fleet.Status()
	}
	if h.events != nil {
		status["events"] = h.events.Recent()
	}
	if h.starter != nil {
		status["started"] = h.starter.Confirmed()
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPITriggerStart releases the primary camera
func (h *Handlers) HandleAPITriggerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.starter == nil {
		h.writeErrorResponse(w, "Start signal not available", http.StatusServiceUnavailable)
		return
	}

	already := h.starter.Confirmed()
	h.starter.Confirm()
	if !already {
		h.logger.Info("Start signal confirmed over HTTP", zap.String("remote_addr", r.RemoteAddr))
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"action":          "trigger_start",
		"already_started": already,
	})
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services": map[string]interface{}{
			"web_server": "running",
		},
	}

	if h.fleet != nil {
		health["services"].(map[string]interface{})["fleet"] = fmt.Sprintf("running (%d cameras)", len(h.fleet.Status()))
	}

	h.writeJSONResponse(w, health)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	json.NewEncoder(w).Encode(errorResponse)
}
