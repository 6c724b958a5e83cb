package gatedchat

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/live"
	"github.com/klipach/gatedchat/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func eventOf[T any](u live.Update[T]) contract.StreamEvent[T] {
	event := contract.StreamEvent[T]{
		Initial: u.Initial,
		Items:   u.Items,
		Changes: make([]contract.StreamChange[T], 0, len(u.Changes)),
	}
	if event.Items == nil {
		event.Items = []T{}
	}
	for _, c := range u.Changes {
		change := contract.StreamChange[T]{Kind: c.Kind.String(), Key: c.Key}
		if c.Kind != live.Removed {
			item := c.Item
			change.Item = &item
		}
		event.Changes = append(event.Changes, change)
	}
	return event
}

// writeEvent writes one SSE frame and flushes it.
func writeEvent[T any](w io.Writer, flusher http.Flusher, u live.Update[T]) error {
	jsonData, err := json.Marshal(eventOf(u))
	if err != nil {
		return err
	}
	sseData := fmt.Sprintf("data: %s\n\n", jsonData)
	if _, err := w.Write([]byte(sseData)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// stream relays sub to the client until either side goes away. It owns sub.
// Clients asking for a websocket get one JSON message per update, everyone
// else gets server-sent events.
func stream[T any](w http.ResponseWriter, r *http.Request, sub *live.Subscription[T]) {
	defer sub.Cancel()
	if websocket.IsWebSocketUpgrade(r) {
		streamWebsocket(w, r, sub)
		return
	}
	logger := log.LoggerFromContext(r.Context())

	// set SSE headers for streaming
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming unsupported!")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Error("subscription ended", slog.String(log.ErrorMsgLogField, err.Error()))
				}
				return
			}
			if err := writeEvent(w, flusher, u); err != nil {
				logger.Info("client went away", slog.String(log.ErrorMsgLogField, err.Error()))
				return
			}
		}
	}
}

func streamWebsocket[T any](w http.ResponseWriter, r *http.Request, sub *live.Subscription[T]) {
	logger := log.LoggerFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		logger.Error("error upgrading connection", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}
	defer conn.Close()

	// the read side only handles control frames; it ends when the peer leaves
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u, ok := <-sub.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Error("subscription ended", slog.String(log.ErrorMsgLogField, err.Error()))
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"))
				return
			}
			if err := conn.WriteJSON(eventOf(u)); err != nil {
				logger.Info("client went away", slog.String(log.ErrorMsgLogField, err.Error()))
				return
			}
		}
	}
}
