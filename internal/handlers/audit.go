package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/fleetd/internal/audit"
)

// GetAuditLogs returns paginated audit log entries.
//
// Query parameters:
//
//	session - filter by session ID
//	host    - filter by host key
//	event   - filter by event type
//	since   - RFC3339 timestamp, only entries after this time
//	until   - RFC3339 timestamp, only entries before this time
//	limit   - max entries to return (default 50, max 1000)
//	offset  - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		SessionID: q.Get("session"),
		HostKey:   q.Get("host"),
		EventType: q.Get("event"),
	}
	if opts.HostKey != "" {
		if k, err := Pool.NormalizeKey(opts.HostKey); err == nil {
			opts.HostKey = k
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := AuditLog.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
