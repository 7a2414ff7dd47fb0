package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/co-ogn/internal/ddb"
	"github.com/yegors/co-ogn/internal/tracker"
	"github.com/yegors/co-ogn/pkg/logger"
)

// Tracker is the read side of the tracker service used by the API
type Tracker interface {
	GetAllAircraft() []*tracker.Aircraft
	LastKnownAircraft(ctx context.Context, deviceID string) (*tracker.Aircraft, bool, error)
	GetEvents(ctx context.Context, deviceID string, since time.Time) ([]tracker.FlightEvent, error)
	GetPath(ctx context.Context, deviceID string) ([]tracker.Position, error)
	GetFlights(ctx context.Context, since time.Time) ([]tracker.Flight, error)
	LookupRegistry(deviceID string) (ddb.Aircraft, bool)
	Status(ctx context.Context) tracker.Status
}

// Handler contains the API handlers
type Handler struct {
	tracker Tracker
	logger  *logger.Logger
	now     func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(t Tracker, log *logger.Logger) *Handler {
	return &Handler{
		tracker: t,
		logger:  log.Named("api-handler"),
		now:     time.Now,
	}
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   h.now().UTC(),
	})
}

// GetStatus returns feed, decoder and viewer counters
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.tracker.Status(r.Context()))
}

// GetAllAircraft returns the last known state of all aircraft. The optional
// on_ground=true|false parameter filters by ground state.
func (h *Handler) GetAllAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft := h.tracker.GetAllAircraft()

	if v := r.URL.Query().Get("on_ground"); v != "" {
		want := v == "true"
		filtered := make([]*tracker.Aircraft, 0, len(aircraft))
		for _, a := range aircraft {
			if a.OnGround == want {
				filtered = append(filtered, a)
			}
		}
		aircraft = filtered
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"aircraft": aircraft,
		"count":    len(aircraft),
	})
}

// GetAircraft returns one aircraft by device id, falling back to the stored
// state for aircraft that are no longer live
func (h *Handler) GetAircraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	aircraft, found, err := h.tracker.LastKnownAircraft(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get aircraft", logger.String("device_id", id), logger.Error(err))
		http.Error(w, "Failed to get aircraft", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, aircraft)
}

// GetAircraftEvents returns the stored flight events of one aircraft
func (h *Handler) GetAircraftEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	since, ok := h.parseSince(w, r, time.Time{})
	if !ok {
		return
	}

	events, err := h.tracker.GetEvents(r.Context(), id, since)
	if err != nil {
		h.logger.Error("Failed to get flight events", logger.String("device_id", id), logger.Error(err))
		http.Error(w, "Failed to get flight events", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"events":    events,
	})
}

// GetAircraftPath returns the recorded path of one aircraft
func (h *Handler) GetAircraftPath(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	path, err := h.tracker.GetPath(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get path", logger.String("device_id", id), logger.Error(err))
		http.Error(w, "Failed to get path", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"positions": path,
		"count":     len(path),
	})
}

// GetFlights returns the flight log. Without a since parameter it covers the
// current UTC day.
func (h *Handler) GetFlights(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	since, ok := h.parseSince(w, r, midnight)
	if !ok {
		return
	}

	flights, err := h.tracker.GetFlights(r.Context(), since)
	if err != nil {
		h.logger.Error("Failed to get flights", logger.Error(err))
		http.Error(w, "Failed to get flights", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"since":   since,
		"flights": flights,
		"count":   len(flights),
	})
}

// GetRegistryEntry returns the device registry entry of one device. Entries
// that may not be identified publicly are reported as not found.
func (h *Handler) GetRegistryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, found := h.tracker.LookupRegistry(id)
	if !found || !entry.Visible {
		http.Error(w, "Device not registered", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"device_id":    entry.DeviceID,
		"device_type":  entry.DeviceType,
		"model":        entry.Model,
		"registration": entry.Registration,
		"callsign":     entry.Callsign,
		"tracked":      entry.Tracked,
		"type":         entry.Type,
		"type_code":    entry.Type.String(),
	})
}

// parseSince reads the optional RFC 3339 since parameter. It writes a 400
// response and returns false when the value is malformed.
func (h *Handler) parseSince(w http.ResponseWriter, r *http.Request, fallback time.Time) (time.Time, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return fallback, true
	}

	since, err := time.Parse(time.RFC3339, v)
	if err != nil {
		http.Error(w, "Invalid since parameter, expected RFC 3339", http.StatusBadRequest)
		return time.Time{}, false
	}
	return since, true
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
