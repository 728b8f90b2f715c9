package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API has no auth; any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamHandler upgrades to a websocket and writes one JSON detection per
// text message until the client goes away.
func streamHandler(b *DetectionBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b == nil {
			http.Error(w, "live stream unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "web").Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		l := log.With().Str("component", "web").Str("remote_addr", r.RemoteAddr).Logger()
		l.Debug().Msg("websocket client connected")

		id, events := b.Subscribe(64)
		defer b.Unsubscribe(id)

		// Reads service control frames and notices the close.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						l.Debug().Err(err).Msg("websocket read")
					}
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case det, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(det); err != nil {
					l.Debug().Err(err).Msg("websocket write")
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}
}
