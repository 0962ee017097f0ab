package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, ctx context.Context, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/stream?token=tok"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestStreamSession(t *testing.T) {
	h, _ := setupAPI(t, "tok")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{"keys":["h1","h3"]}`))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info struct {
		ID string `json:"id"`
	}
	decode(t, rec, &info)

	conn := dialStream(t, ctx, srv, info.ID)

	require.NoError(t, wsjson.Write(ctx, conn, streamMessage{Type: "bogus"}))
	var reply map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "unknown message type bogus", reply["detail"])

	require.NoError(t, wsjson.Write(ctx, conn, streamMessage{Type: "run", Command: "echo hi"}))

	var kinds []string
	data := map[string]string{}
	for {
		var ev EventJSON
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Host == nil {
			kinds = append(kinds, ev.Kind)
			if ev.Kind == "done" {
				break
			}
			continue
		}
		if ev.Kind == "data" {
			data[*ev.Host] += ev.Data
		}
	}
	assert.Equal(t, []string{"dead", "done"}, kinds)
	assert.Equal(t, map[string]string{"root@h1": "hi\n", "root@h3": "hi\n"}, data)
}

func TestStreamSession_UnknownSession(t *testing.T) {
	h, _ := setupAPI(t, "tok")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/missing/stream?token=tok"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/missing/stream"
	_, resp, err = websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
