package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/fleetd/internal/database"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if AuditLog != nil {
		dbStatus = "connected"
		if err := database.Ping(database.DB); err != nil {
			dbStatus = "disconnected"
		}
	}

	var conns, active int
	loopErr := Loop.Do(r.Context(), func() {
		conns = Pool.Len()
		active = Pool.ActiveCount()
	})
	sessions, err := Sessions.Count(r.Context())
	if err != nil && loopErr == nil {
		loopErr = err
	}

	states := make(map[sshpool.ConnectionState]int)
	for _, st := range Pool.States().All() {
		states[st]++
	}

	status := "healthy"
	code := http.StatusOK
	if loopErr != nil || dbStatus == "disconnected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"database":    dbStatus,
		"connections": conns,
		"active":      active,
		"states":      states,
		"sessions":    sessions,
	})
}
