package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
)

// streamKeepAlive is how often an open stream marks its session as used so
// idle cleanup leaves it alone.
const streamKeepAlive = 30 * time.Second

// streamMessage is what clients send over the stream.
type streamMessage struct {
	Type    string `json:"type"`
	Host    string `json:"host,omitempty"`
	Data    string `json:"data,omitempty"`
	Command string `json:"command,omitempty"`
}

type streamReply struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// StreamSession handles GET /api/v1/sessions/{id}/stream. The server pushes
// every queued event as JSON; the client may send input, run and terminate
// messages. Two streams on one session split its events between them.
func StreamSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := Sessions.Queue(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log := logging.Component("api")
		log.Warn().Err(err).Str("session", id).Msg("failed to accept stream websocket")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			var msg streamMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if err := handleStreamMessage(ctx, id, msg); err != nil {
				if werr := wsjson.Write(ctx, conn, streamReply{Type: "error", Detail: err.Error()}); werr != nil {
					return
				}
			}
		}
	}()

	go func() {
		t := time.NewTicker(streamKeepAlive)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := Sessions.Get(ctx, id); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		ev, err := q.Pop(ctx)
		if err != nil {
			break
		}
		if err := wsjson.Write(ctx, conn, wireEvent(ev)); err != nil {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func handleStreamMessage(ctx context.Context, id string, msg streamMessage) error {
	switch msg.Type {
	case "input":
		if msg.Host == "" {
			return Sessions.Broadcast(ctx, id, []byte(msg.Data))
		}
		return Sessions.Write(ctx, id, msg.Host, []byte(msg.Data))
	case "run":
		if msg.Command == "" {
			return errors.New("command is required")
		}
		return Sessions.Run(ctx, id, msg.Command)
	case "terminate":
		if msg.Host == "" {
			return errors.New("host is required")
		}
		return Sessions.Terminate(ctx, id, msg.Host)
	default:
		return errors.New("unknown message type " + msg.Type)
	}
}
