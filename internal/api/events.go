package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/exhibit/internal/ledger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents streams progress snapshots for one job over a websocket. The
// first message is the current state; the server closes the connection
// normally after the terminal snapshot or when the job is deleted.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		updates, cancel, err := deps.Jobs.Watch(id)
		if errors.Is(err, ledger.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "evidence not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to watch evidence: %v", err)
			return
		}
		defer cancel()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
			return
		}
		defer conn.Close()

		// The client never sends anything meaningful; reading only detects
		// that it went away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						deps.Logger.Debug("websocket read ended", "job_id", id, "error", err)
					}
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case job, ok := <-updates:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
					return
				}
				if err := conn.WriteJSON(newProgressView(job)); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-gone:
				return
			}
		}
	}
}
