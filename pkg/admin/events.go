package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/entrhq/monkey/pkg/types"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// handleEvents streams registry events over a websocket as JSON messages.
// ?server=<id> limits the stream to one server. Events a slow client cannot
// keep up with are dropped, never queued without bound.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("server")

	// Subscribed before the upgrade completes so a client sees every event
	// published after its dial returns.
	events, unsubscribe := a.registry.Events().Subscribe(eventBuffer)
	defer unsubscribe()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warnf("event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	a.logger.Debugf("event stream opened from %s", r.RemoteAddr)
	defer a.logger.Debugf("event stream from %s closed", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && e.ServerID != filter {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e types.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(e)
}

// readUntilClosed consumes client frames so control messages are handled,
// and closes done when the connection goes away.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
