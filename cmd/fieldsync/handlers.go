package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fieldhq/fieldsync/internal/api"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/netmon"
	"github.com/fieldhq/fieldsync/internal/queue"
)

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

// EnqueueMutation handles POST /mutations, the offline-aware write
// entry point. The shell calls this when a write cannot go straight to
// the API.
func (a *app) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType  string          `json:"entity_type"`
		EntityID    string          `json:"entity_id"`
		Method      string          `json:"method"`
		Endpoint    string          `json:"endpoint"`
		Payload     json.RawMessage `json:"payload"`
		Description string          `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !api.Method(req.Method).Valid() {
		writeError(w, http.StatusBadRequest, "unsupported method")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	item, added := a.mutations.Enqueue(r.Context(), queue.MutationInput{
		EntityType:  models.EntityType(req.EntityType),
		EntityID:    req.EntityID,
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Payload:     req.Payload,
		Description: req.Description,
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":        item.ID,
		"enqueued":  added,
		"duplicate": !added,
	})
}

// RetryFailedMutations handles POST /mutations/retry.
func (a *app) RetryFailedMutations(w http.ResponseWriter, r *http.Request) {
	count := a.mutations.RetryFailed(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": count})
}

// QueueStatus handles GET /queue. Returns both queues for the pending-sync
// screen.
func (a *app) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mutations":      a.mutations.List(),
		"mutation_stats": a.mutations.Stats(),
		"photos":         a.photos.List(),
	})
}

// EnqueuePhotos handles POST /jobs/photos, the offline-aware photo
// submission entry point.
func (a *app) EnqueuePhotos(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID  string `json:"job_id"`
		Photos []struct {
			FileURI         string           `json:"file_uri"`
			Category        string           `json:"category"`
			Location        *models.GeoPoint `json:"location"`
			ChecklistItemID string           `json:"checklist_item_id"`
		} `json:"photos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobID == "" || len(req.Photos) == 0 {
		writeError(w, http.StatusBadRequest, "job_id and photos are required")
		return
	}

	inputs := make([]queue.PhotoInput, 0, len(req.Photos))
	for _, p := range req.Photos {
		inputs = append(inputs, queue.PhotoInput{
			JobID:           req.JobID,
			FileURI:         p.FileURI,
			Category:        models.PhotoCategory(p.Category),
			Location:        p.Location,
			ChecklistItemID: p.ChecklistItemID,
		})
	}
	added := a.photos.Enqueue(r.Context(), req.JobID, inputs)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"enqueued": len(added)})
}

// RetryJobPhotos handles POST /photos/retry?job_id=...
func (a *app) RetryJobPhotos(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	count := a.photos.RetryJob(r.Context(), jobID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": count})
}

// CachedRead handles POST /reads: a GET against the remote API,
// wrapped in the read-through cache.
func (a *app) CachedRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string `json:"key"`
		EntityType string `json:"entity_type"`
		Endpoint   string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "key and endpoint are required")
		return
	}

	result, err := a.readCache.ReadThrough(r.Context(), req.Key, models.EntityType(req.EntityType),
		func(ctx context.Context) ([]byte, error) {
			return a.client.Do(ctx, api.MethodGet, req.Endpoint, nil)
		})
	if err != nil {
		if apiErr, ok := err.(*api.APIError); ok {
			// Authoritative server answer; pass it through untouched.
			writeJSON(w, apiErr.StatusCode, map[string]interface{}{
				"error": apiErr.Message,
				"code":  apiErr.Code,
			})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "network unavailable and no cached copy")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ReportConnectivity handles POST /connectivity. The platform shell
// feeds connectivity transitions here.
func (a *app) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Connected bool  `json:"connected"`
		Reachable *bool `json:"reachable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a.monitor.Report(netmon.Status{Connected: req.Connected, Reachable: req.Reachable})
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": a.monitor.Online()})
}

// SyncStatus handles GET /sync/status, for "Last synced 3 minutes
// ago" style display.
func (a *app) SyncStatus(w http.ResponseWriter, r *http.Request) {
	state := a.state.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_syncing":        a.state.IsSyncing(),
		"last_synced_at":    state.LastSyncedAt,
		"sync_error":        state.SyncError,
		"pending_mutations": a.mutations.PendingCount(),
		"pending_photos":    a.photos.PendingCount(),
	})
}

// TriggerSync handles POST /sync, the manual sync trigger. Returns
// immediately; progress arrives over the WebSocket.
func (a *app) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if a.state.IsSyncing() {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"started": false})
		return
	}
	go a.coordinator.Sync(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
}

// Logout handles POST /logout: clears queues, cache, and sync state.
func (a *app) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a.mutations.Clear(ctx)
	a.photos.Clear(ctx)
	a.readCache.Clear(ctx)
	a.state.Reset(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
