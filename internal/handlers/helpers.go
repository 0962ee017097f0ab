package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/fleetd/internal/fanout"
	"github.com/gluk-w/claworc/fleetd/internal/reactor"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeFailure maps domain errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fanout.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fanout.ErrSessionDead):
		status = http.StatusConflict
	case errors.Is(err, fanout.ErrUnknownHost),
		errors.Is(err, fanout.ErrNoHosts),
		errors.Is(err, sshpool.ErrInvalidKey),
		errors.Is(err, errUnknownGroup):
		status = http.StatusBadRequest
	case errors.Is(err, sshpool.ErrPoolClosed),
		errors.Is(err, reactor.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// intParam parses a non-negative integer query parameter, returning def
// when it is absent.
func intParam(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
