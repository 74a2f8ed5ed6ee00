// pkg/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors" // For checking specific persistence errors
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
	"github.com/aleka07/airsense/go-air-quality/pkg/persistence"
)

// Store is what the API reads and writes.
type Store interface {
	persistence.SensorStore
	persistence.ResultStore
	Ping(ctx context.Context) error
}

// --- API Handler ---

// API holds dependencies.
type API struct {
	Store Store
	// Stream serves the live result websocket; nil disables the route.
	Stream http.Handler
	Log    logrus.FieldLogger
}

// NewAPI creates a new API handler structure, accepting the interface.
func NewAPI(store Store, stream http.Handler, log logrus.FieldLogger) *API {
	return &API{Store: store, Stream: stream, Log: log}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Log.WithError(err).Error("Failed to encode response")
	}
}

// HealthCheck reports whether the store is reachable.
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Log.WithError(err).Warn("Health check: store unreachable")
		response["status"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, response)
}

// --- Sensor Handlers ---

type trackSensorRequest struct {
	SensorID string `json:"sensorId"`
}

// TrackSensor handles POST requests to /sensors
func (a *API) TrackSensor(w http.ResponseWriter, r *http.Request) {
	var req trackSensorRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	req.SensorID = strings.TrimSpace(req.SensorID)
	if req.SensorID == "" {
		http.Error(w, "Missing required field: sensorId", http.StatusBadRequest)
		return
	}

	sensor := &model.TrackedSensor{SensorID: req.SensorID, CreatedAt: time.Now().UTC()}
	if err := a.Store.AddSensor(r.Context(), sensor); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		a.Log.WithError(err).Error("Failed to track sensor")
		http.Error(w, "Failed to track sensor", http.StatusInternalServerError)
		return
	}

	a.Log.WithField("sensor_id", sensor.SensorID).Info("Tracking sensor")
	a.writeJSON(w, http.StatusCreated, sensor)
}

// ListSensors handles GET requests to /sensors
func (a *API) ListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := a.Store.ListSensors(r.Context())
	if err != nil {
		a.Log.WithError(err).Error("Failed to list sensors")
		http.Error(w, "Failed to retrieve sensors", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, sensors)
}

// UntrackSensor handles DELETE requests to /sensors/{sensorId}. Buffers and the latest result
// go with it.
func (a *API) UntrackSensor(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorId")
	if sensorID == "" {
		http.Error(w, "Missing sensorId in URL path", http.StatusBadRequest)
		return
	}

	if err := a.Store.RemoveSensor(r.Context(), sensorID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "Sensor not found", http.StatusNotFound)
			return
		}
		a.Log.WithError(err).WithField("sensor_id", sensorID).Error("Failed to untrack sensor")
		http.Error(w, "Failed to untrack sensor", http.StatusInternalServerError)
		return
	}

	a.Log.WithField("sensor_id", sensorID).Info("Stopped tracking sensor")
	w.WriteHeader(http.StatusNoContent)
}

// --- Result Handlers ---

// GetSensorAQI handles GET requests to /sensors/{sensorId}/aqi
func (a *API) GetSensorAQI(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorId")
	if sensorID == "" {
		http.Error(w, "Missing sensorId in URL path", http.StatusBadRequest)
		return
	}

	result, err := a.Store.FindResult(r.Context(), sensorID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "No result for sensor", http.StatusNotFound)
			return
		}
		a.Log.WithError(err).WithField("sensor_id", sensorID).Error("Failed to find result")
		http.Error(w, "Failed to retrieve result", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

// ListResults handles GET requests to /results
func (a *API) ListResults(w http.ResponseWriter, r *http.Request) {
	results, err := a.Store.ListResults(r.Context())
	if err != nil {
		a.Log.WithError(err).Error("Failed to list results")
		http.Error(w, "Failed to retrieve results", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, results)
}
