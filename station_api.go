package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"linentrack/station/remote"
	"linentrack/station/status"
	"linentrack/station/storage"
	"linentrack/station/syncer"
)

// stationAPI is the local HTTP surface for the station UI and scanner
// integrations. Everything it serves must keep working with the network
// cable pulled; only the sync trigger endpoints reach out to the server.
type stationAPI struct {
	store       *storage.Store
	coordinator *syncer.Coordinator
	worker      *SyncWorker
	hub         *status.Hub
	logger      Logger
	stationID   string
}

func newStationAPI(store *storage.Store, coordinator *syncer.Coordinator, worker *SyncWorker, hub *status.Hub, logger Logger, stationID string) *stationAPI {
	return &stationAPI{
		store:       store,
		coordinator: coordinator,
		worker:      worker,
		hub:         hub,
		logger:      logger,
		stationID:   stationID,
	}
}

// routes builds the station's HTTP mux.
func (a *stationAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/items/lookup", a.handleLookup)
	mux.HandleFunc("/api/v1/items/mark-clean", a.handleMarkClean)
	mux.HandleFunc("/api/v1/sync/full", a.handleFullSync)
	mux.HandleFunc("/api/v1/sync/delta", a.handleDeltaSync)
	mux.HandleFunc("/api/v1/status", a.handleStatus)
	mux.Handle("/ws", status.NewHandler(a.hub, a.logger))
	return mux
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleLookup resolves an RFID tag against the local cache. It never
// touches the network; a miss is a definitive local answer.
func (a *stationAPI) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rfid := strings.TrimSpace(r.URL.Query().Get("rfid"))
	if rfid == "" {
		writeError(w, http.StatusBadRequest, "rfid parameter is required")
		return
	}

	item, err := a.store.LookupByRFID(rfid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"found": false,
				"rfid":  rfid,
			})
			return
		}
		a.logger.Error("Lookup failed", "rfid", rfid, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"found": true,
		"item":  item,
	})
}

// handleMarkClean reports items as clean. A reachable server applies the
// change immediately; otherwise the request is queued for replay and the
// call still succeeds.
func (a *stationAPI) handleMarkClean(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "itemIds is required")
		return
	}

	result, err := a.coordinator.MarkItemsClean(r.Context(), req.ItemIDs)
	if err != nil {
		a.logger.Error("Mark-clean failed", "count", len(req.ItemIDs), "error", err)
		writeError(w, http.StatusInternalServerError, "mark-clean failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleFullSync triggers a full sync. The sync runs on the request
// goroutine so the caller sees the real outcome; a concurrent sync gets a
// 409 instead of queueing behind the running one.
func (a *stationAPI) handleFullSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.runSync(w, r, a.coordinator.FullSync)
}

// handleDeltaSync triggers a delta sync (or a full sync when the station
// has never completed one).
func (a *stationAPI) handleDeltaSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.runSync(w, r, a.coordinator.DeltaSync)
}

func (a *stationAPI) runSync(w http.ResponseWriter, r *http.Request, sync func(context.Context) (*syncer.SyncResult, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	result, err := sync(ctx)
	if err != nil {
		statusCode := http.StatusBadGateway
		if remote.IsOffline(err) {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	if !result.Success && result.Reason == syncer.ReasonAlreadyInProgress {
		writeJSON(w, http.StatusConflict, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleStatus reports cache statistics, connectivity, and worker timings.
func (a *stationAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := a.store.Stats()
	if err != nil {
		a.logger.Error("Status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stationId": a.stationID,
		"version":   Version,
		"online":    a.coordinator.Online(),
		"syncState": a.coordinator.State(),
		"cache":     stats,
		"worker":    a.worker.Status(),
	})
}
