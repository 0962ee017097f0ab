package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/fleetd/internal/fanout"
)

var errUnknownGroup = errors.New("unknown host group")

// keyParam returns the unescaped {key} path segment.
func keyParam(r *http.Request) string {
	k := chi.URLParam(r, "key")
	if u, err := url.PathUnescape(k); err == nil {
		return u
	}
	return k
}

const maxEventWait = 60 * time.Second

type createSessionRequest struct {
	Keys        []string `json:"keys"`
	Interactive bool     `json:"interactive"`
}

type runRequest struct {
	Command string `json:"command"`
}

type inputRequest struct {
	Host string `json:"host,omitempty"`
	Data string `json:"data"`
}

// expandKeys resolves "@group" references against the inventory.
func expandKeys(keys []string) ([]string, error) {
	if Inventory == nil {
		for _, k := range keys {
			if len(k) > 0 && k[0] == '@' {
				return nil, fmt.Errorf("%w %q: no inventory loaded", errUnknownGroup, k[1:])
			}
		}
		return keys, nil
	}
	out, err := Inventory.Expand(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownGroup, err)
	}
	return out, nil
}

// ListSessions handles GET /api/v1/sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := Sessions.IDs(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

// CreateSession handles POST /api/v1/sessions.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	keys, err := expandKeys(req.Keys)
	if err != nil {
		writeFailure(w, err)
		return
	}

	info, err := Sessions.Create(r.Context(), keys, req.Interactive)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GetSession handles GET /api/v1/sessions/{id} and returns per-host status.
func GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := Sessions.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RunCommand handles POST /api/v1/sessions/{id}/run.
func RunCommand(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if err := Sessions.Run(r.Context(), chi.URLParam(r, "id"), req.Command); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

// GetEvents handles GET /api/v1/sessions/{id}/events.
//
// Query parameters:
//
//	max  - most events to return (default all)
//	wait - how long to wait for the first event, as a Go duration (default 0)
func GetEvents(w http.ResponseWriter, r *http.Request) {
	max, ok := intParam(r, "max", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid max")
		return
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "Invalid wait")
			return
		}
		wait = min(d, maxEventWait)
	}

	events, err := Sessions.Drain(r.Context(), chi.URLParam(r, "id"), max, wait)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]EventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, wireEvent(ev))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// SendInput handles POST /api/v1/sessions/{id}/input. Without a host the
// data goes to every running host.
func SendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	var err error
	if req.Host == "" {
		err = Sessions.Broadcast(r.Context(), id, []byte(req.Data))
	} else {
		err = Sessions.Write(r.Context(), id, req.Host, []byte(req.Data))
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TerminateHost handles DELETE /api/v1/sessions/{id}/hosts/{key}.
func TerminateHost(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.Terminate(r.Context(), chi.URLParam(r, "id"), keyParam(r)); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DestroySession handles POST /api/v1/sessions/{id}/destroy. The session
// stays registered so its final status can be read.
func DestroySession(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.Destroy(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveSession handles DELETE /api/v1/sessions/{id}.
func RemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EncodingBase64 marks event data that is not valid UTF-8 and was sent
// base64-encoded.
const EncodingBase64 = "base64"

// EventJSON is the wire form of a session event. Host is null for
// session-level events; Hosts is present (possibly empty) only on the
// session-level dead event. Data is plain text unless Encoding is "base64".
type EventJSON struct {
	Host     *string   `json:"host"`
	Kind     string    `json:"kind"`
	Data     string    `json:"data,omitempty"`
	Encoding string    `json:"encoding,omitempty"`
	Stream   *uint32   `json:"stream,omitempty"`
	Code     *int      `json:"code,omitempty"`
	Signal   string    `json:"signal,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Hosts    *[]string `json:"hosts,omitempty"`
}

// Bytes returns the raw payload.
func (e EventJSON) Bytes() ([]byte, error) {
	if e.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(e.Data)
	}
	return []byte(e.Data), nil
}

func wireEvent(ev fanout.Event) EventJSON {
	out := EventJSON{
		Kind:   string(ev.Kind),
		Code:   ev.Code,
		Signal: ev.Signal,
		Reason: ev.Reason,
	}
	if utf8.Valid(ev.Data) {
		out.Data = string(ev.Data)
	} else {
		out.Data = base64.StdEncoding.EncodeToString(ev.Data)
		out.Encoding = EncodingBase64
	}
	if ev.Host != "" {
		host := ev.Host
		out.Host = &host
	}
	if ev.Kind == fanout.KindExtended {
		stream := ev.Stream
		out.Stream = &stream
	}
	if ev.Host == "" && ev.Kind == fanout.KindDead {
		hosts := ev.Hosts
		if hosts == nil {
			hosts = []string{}
		}
		out.Hosts = &hosts
	}
	return out
}
