// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libhabitsync.so (Android) / habitsync.framework (iOS).
// All exported functions use C calling convention and can be called from
// Dart or Kotlin FFI; returned strings must be released with FreeString.
package main

/*
#cgo CFLAGS: -Wall -Wextra
#cgo LDFLAGS: -shared
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/dkarlsson/habitsync/internal/config"
	"github.com/dkarlsson/habitsync/internal/db"
	"github.com/dkarlsson/habitsync/internal/models"
	"github.com/dkarlsson/habitsync/internal/remote"
	syncpkg "github.com/dkarlsson/habitsync/internal/sync"
	"github.com/dkarlsson/habitsync/internal/sync/queue"
)

var (
	once     sync.Once
	database *db.DB
	repo     *db.Repository
	engine   *syncpkg.Engine
	lastErr  string
	lastMu   sync.RWMutex
)

//export Init
// Init initializes the habitsync core: opens the database at dataDir, runs
// migrations, rehydrates the mutation queue, and starts the sync engine
// against remoteURL. Safe to call more than once; only the first call wires.
func Init(dataDir, deviceID, remoteURL *C.char) {
	once.Do(func() {
		cfg := config.Default()
		cfg.DataDir = C.GoString(dataDir)
		cfg.DeviceID = C.GoString(deviceID)
		cfg.Remote.BaseURL = C.GoString(remoteURL)

		var err error
		database, err = db.Open(cfg.DataDir)
		if err != nil {
			setLastError(fmt.Sprintf("Failed to open database: %v", err))
			return
		}

		if err := db.NewMigrator(database.DB).Up(); err != nil {
			setLastError(fmt.Sprintf("Failed to apply migrations: %v", err))
			return
		}

		repo = db.NewRepository(database.DB)

		q, err := queue.New(repo)
		if err != nil {
			setLastError(fmt.Sprintf("Failed to initialize queue: %v", err))
			return
		}

		api := remote.NewHTTPClient(remote.HTTPClientOptions{
			BaseURL: cfg.Remote.BaseURL,
			Timeout: cfg.Remote.RequestTimeout,
			Token: func(ctx context.Context) (string, error) {
				creds, err := repo.GetCredential()
				if err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return "", nil
					}
					return "", err
				}
				return creds.GetToken(cfg.DeviceID)
			},
		})

		engine = syncpkg.NewEngine(cfg, q, repo, api)
		engine.Start(context.Background())
	})
}

//export Cleanup
// Cleanup stops the engine and releases resources.
func Cleanup() {
	if engine != nil {
		engine.Stop()
	}
	if database != nil {
		database.Close()
	}
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
// FreeString releases a string previously returned by this library.
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

func jsonResult(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}
	return C.CString(string(data))
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncEnqueue
// SyncEnqueue records a local mutation and triggers a sync. Pass the entity
// id (empty to mint one for a create), the entity kind, and the payload as
// JSON. Returns the queued mutation as JSON, or nil on failure.
func SyncEnqueue(id, entityKind, payload *C.char) *C.char {
	if engine == nil {
		setLastError("Engine not initialized")
		return nil
	}

	record, err := engine.Enqueue(
		models.UUID(C.GoString(id)),
		C.GoString(entityKind),
		json.RawMessage(C.GoString(payload)))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to enqueue mutation: %v", err))
		return nil
	}

	return jsonResult(record)
}

//export SyncTrigger
// SyncTrigger requests a sync cycle; a no-op if one is already running.
func SyncTrigger() {
	if engine != nil {
		engine.TriggerSync()
	}
}

//export SyncForce
// SyncForce clears any backoff or rate-limit wait and syncs immediately.
func SyncForce() {
	if engine != nil {
		engine.ForceSync()
	}
}

//export SyncState
// SyncState returns the current sync state as JSON, including progress,
// rate-limit countdown, and error details when applicable.
// Returns a C string that must be freed by the caller.
func SyncState() *C.char {
	if engine == nil {
		setLastError("Engine not initialized")
		return nil
	}

	state := engine.State()
	out := map[string]interface{}{
		"state":         string(state.Kind),
		"pending_count": engine.PendingCount(),
	}
	switch state.Kind {
	case syncpkg.StateSyncing:
		out["current"] = state.Current
		out["total"] = state.Total
	case syncpkg.StateRateLimited:
		out["retry_after_seconds"] = int(engine.RateLimitRemaining().Seconds())
	case syncpkg.StateError:
		out["message"] = state.Message
		out["escalated"] = state.Escalated
	}

	return jsonResult(out)
}

//export SyncPendingCount
// SyncPendingCount returns the number of unsynced local mutations.
func SyncPendingCount() C.int {
	if engine == nil {
		return 0
	}
	return C.int(engine.PendingCount())
}

//export SyncRateLimitRemaining
// SyncRateLimitRemaining returns the remaining rate-limit window in whole
// seconds, 0 when not rate limited. Poll once per second for a live timer.
func SyncRateLimitRemaining() C.int {
	if engine == nil {
		return 0
	}
	return C.int(engine.RateLimitRemaining() / time.Second)
}

//export SyncSetOnline
// SyncSetOnline reports a connectivity change from the platform observer;
// pass 1 when online, 0 when offline.
func SyncSetOnline(online C.int) {
	if engine != nil {
		engine.SetOnline(online != 0)
	}
}

//export SyncResetCheckpoint
// SyncResetCheckpoint clears the pull watermark so the next pull re-fetches
// full history. Returns 0 on success, -1 on failure.
func SyncResetCheckpoint() C.int {
	if engine == nil {
		setLastError("Engine not initialized")
		return -1
	}
	if err := engine.ResetCheckpoint(); err != nil {
		setLastError(fmt.Sprintf("Failed to reset checkpoint: %v", err))
		return -1
	}
	return 0
}

//export SyncClearFailed
// SyncClearFailed drops mutations parked as failed and returns how many
// were removed, or -1 on failure.
func SyncClearFailed() C.int {
	if engine == nil {
		setLastError("Engine not initialized")
		return -1
	}
	cleared, err := engine.ClearFailedRecords()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to clear failed mutations: %v", err))
		return -1
	}
	return C.int(cleared)
}

//export SyncListFailed
// SyncListFailed returns mutations parked as failed, as a JSON array.
// Returns a C string that must be freed by the caller.
func SyncListFailed() *C.char {
	if engine == nil {
		setLastError("Engine not initialized")
		return nil
	}

	failed, err := engine.FailedMutations()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list failed mutations: %v", err))
		return nil
	}

	return jsonResult(map[string]interface{}{
		"count":     len(failed),
		"mutations": failed,
	})
}

// =====================================================
// Record Operations
// =====================================================

//export RecordGet
// RecordGet returns the local record with the given id as JSON, or nil if
// it does not exist.
func RecordGet(id *C.char) *C.char {
	if repo == nil {
		setLastError("Repository not initialized")
		return nil
	}

	rec, err := repo.GetRecord(models.UUID(C.GoString(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			setLastError("Record not found")
		} else {
			setLastError(fmt.Sprintf("Failed to get record: %v", err))
		}
		return nil
	}

	return jsonResult(rec)
}

//export RecordCount
// RecordCount returns the number of live (non-deleted) local records.
func RecordCount() C.int {
	if repo == nil {
		return 0
	}
	count, err := repo.CountRecords()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to count records: %v", err))
		return -1
	}
	return C.int(count)
}

func main() {}
