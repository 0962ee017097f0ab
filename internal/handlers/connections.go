package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

// ListConnections handles GET /api/v1/connections. evicted and deferred
// count the recent quota events per key.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	var snap []sshpool.ConnectionInfo
	if err := Loop.Do(r.Context(), func() { snap = Pool.Snapshot() }); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": snap,
		"max":         Pool.Options().MaxConnections,
		"evicted":     Pool.EventCountsByType(sshpool.EventEvicted),
		"deferred":    Pool.EventCountsByType(sshpool.EventDeferred),
	})
}

// GetConnectionEvents handles GET /api/v1/connections/{key}/events.
//
// Query parameters:
//
//	limit - most recent events to return (default all that are kept)
func GetConnectionEvents(w http.ResponseWriter, r *http.Request) {
	key, err := Pool.NormalizeKey(keyParam(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	limit, ok := intParam(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	var events []sshpool.ConnectionEvent
	if limit > 0 {
		events = Pool.RecentEvents(key, limit)
	} else {
		events = Pool.Events(key)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":         key,
		"state":       Pool.States().Get(key),
		"events":      events,
		"transitions": Pool.States().Transitions(key),
	})
}
