// Package handlers provides REST API handlers for sync status, triggers,
// and maintenance operations.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dkarlsson/habitsync/internal/db"
	"github.com/dkarlsson/habitsync/internal/idkey"
	"github.com/dkarlsson/habitsync/internal/logging"
	"github.com/dkarlsson/habitsync/internal/models"
	syncpkg "github.com/dkarlsson/habitsync/internal/sync"
	"github.com/dkarlsson/habitsync/internal/sync/scheduler"
)

// SyncHandler handles sync status, trigger, and maintenance endpoints.
type SyncHandler struct {
	repo      *db.Repository
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	deviceID  string // For encryption key derivation
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(repo *db.Repository, engine *syncpkg.Engine, sched *scheduler.Scheduler, deviceID string) *SyncHandler {
	if deviceID == "" {
		deviceID = "default"
	}
	return &SyncHandler{
		repo:      repo,
		engine:    engine,
		scheduler: sched,
		deviceID:  deviceID,
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// =====================================================
// Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /api/v1/status
// Returns the current sync state, scheduler status, and queue depth.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	state := h.engine.State()

	response := map[string]interface{}{
		"state":         string(state.Kind),
		"pending_count": h.engine.PendingCount(),
		"scheduler":     h.scheduler.GetStatus(),
	}

	switch state.Kind {
	case syncpkg.StateSyncing:
		response["progress"] = map[string]int{
			"current": state.Current,
			"total":   state.Total,
		}
	case syncpkg.StateRateLimited:
		response["retry_after_seconds"] = int(h.engine.RateLimitRemaining().Seconds())
	case syncpkg.StateError:
		response["error_message"] = state.Message
		response["escalated"] = state.Escalated
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/v1/sync
// Requests a sync cycle; a no-op if one is already running. The response
// returns immediately, progress arrives over the WebSocket state stream.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.engine.TriggerSync()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"state":  string(h.engine.State().Kind),
	})
}

// SetOnline handles POST /api/v1/connectivity
// Records a connectivity transition reported by the platform.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.scheduler.SetOnlineStatus(request.Online)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"online": request.Online,
	})
}

// =====================================================
// Mutation Queue Endpoints
// =====================================================

// EnqueueMutation handles POST /api/v1/mutations
// Records a local change for upload and triggers a sync.
func (h *SyncHandler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ID         string          `json:"id"`
		EntityKind string          `json:"entity_kind"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.EntityKind == "" {
		http.Error(w, "entity_kind is required", http.StatusBadRequest)
		return
	}
	if len(request.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	if request.ID != "" {
		if err := idkey.Validate(request.ID); err != nil {
			http.Error(w, "invalid id: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	record, err := h.engine.Enqueue(models.UUID(request.ID), request.EntityKind, request.Payload)
	if err != nil {
		logging.Error("Failed to enqueue mutation", err)
		http.Error(w, "Failed to enqueue mutation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":          record.ID,
		"entity_kind": record.EntityKind,
		"status":      string(record.Status),
	})
}

// ListFailedMutations handles GET /api/v1/mutations/failed
// Returns mutations parked as failed, oldest first.
func (h *SyncHandler) ListFailedMutations(w http.ResponseWriter, r *http.Request) {
	failed, err := h.engine.FailedMutations()
	if err != nil {
		logging.Error("Failed to list failed mutations", err)
		http.Error(w, "Failed to list failed mutations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(failed),
		"mutations": failed,
	})
}

// =====================================================
// Maintenance Endpoints
// =====================================================

// ForceSync handles POST /api/v1/maintenance/force-sync
// Clears any backoff or rate-limit wait and syncs immediately.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	h.engine.ForceSync()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
	})
}

// ResetCheckpoint handles POST /api/v1/maintenance/reset-checkpoint
// Clears the pull watermark so the next pull re-fetches full history.
func (h *SyncHandler) ResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetCheckpoint(); err != nil {
		logging.Error("Failed to reset checkpoint", err)
		http.Error(w, "Failed to reset checkpoint", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
	})
}

// ClearFailedMutations handles DELETE /api/v1/mutations/failed
// Drops mutations stuck in the failed state.
func (h *SyncHandler) ClearFailedMutations(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.engine.ClearFailedRecords()
	if err != nil {
		logging.Error("Failed to clear failed mutations", err)
		http.Error(w, "Failed to clear failed mutations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"cleared": cleared,
	})
}

// =====================================================
// Credential Endpoints
// =====================================================

// GetCredentials handles GET /api/v1/credentials
// Returns the current remote configuration with the token redacted.
func (h *SyncHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.repo.GetCredential()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"configured": false,
			})
			return
		}
		http.Error(w, "Failed to retrieve credentials", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": creds.IsEnabled,
		"endpoint":   creds.Endpoint,
		"token":      "***REDACTED***",
		"updated_at": creds.UpdatedAt,
	})
}

// SetCredentials handles POST /api/v1/credentials
// Saves the encrypted auth token and enables sync.
func (h *SyncHandler) SetCredentials(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Endpoint string `json:"endpoint"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Endpoint == "" {
		http.Error(w, "endpoint is required", http.StatusBadRequest)
		return
	}
	if request.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	id, err := idkey.New()
	if err != nil {
		http.Error(w, "Failed to generate credential id", http.StatusInternalServerError)
		return
	}

	creds := &models.Credential{
		ID:        models.UUID(id),
		Endpoint:  request.Endpoint,
		IsEnabled: true,
		CreatedAt: time.Now().Unix(),
	}
	if err := creds.SetToken(request.Token, h.deviceID); err != nil {
		http.Error(w, "Failed to encrypt token", http.StatusInternalServerError)
		return
	}

	if err := h.repo.SaveCredential(creds); err != nil {
		http.Error(w, "Failed to save credentials", http.StatusInternalServerError)
		return
	}

	// New credentials may unblock a queue stuck on auth failures.
	h.engine.TriggerSync()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Sync credentials saved",
	})
}

// DeleteCredentials handles DELETE /api/v1/credentials
// Disables sync and removes the stored token.
func (h *SyncHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteCredential(); err != nil {
		http.Error(w, "Failed to delete credentials", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Sync credentials removed",
	})
}
