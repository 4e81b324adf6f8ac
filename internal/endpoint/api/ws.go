package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/themadorg/tempmail/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is origin-agnostic; per-mailbox passwords are the access
	// control, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket binds one bus subscription to one connection. The
// client gets a Connected frame, then every arrival/deletion for its
// address in publication order. A subscriber that falls behind is
// disconnected and re-fetches over REST on reconnect.
func (s *Server) handleWebSocket(c *gin.Context) {
	addr := s.normalize(c.Param("address"))
	if err := s.store.VerifyMailbox(addr, password(c, "")); err != nil {
		s.errorResponse(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	sub := s.bus.Subscribe(addr)
	log := s.log.WithField("address", addr)
	log.Debug("websocket connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain control frames; any read error means the peer is gone.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.bus.Unsubscribe(sub)
		conn.Close()
		log.Debug("websocket closed")
	}()

	if err := s.writeFrame(conn, events.Event{Kind: events.KindConnected, Address: addr}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-sub.Lost:
			// Buffer overflowed; force the client through its
			// reconnect-and-refetch path rather than serve a gap.
			log.Warn("websocket subscriber too slow, dropping connection")
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event overflow"), deadline)
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, ev events.Event) error {
	frame, err := wsFrame(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}

// wsFrame builds the wire shape: a "type" tag plus the event payload.
// Email frames inline the email fields at the top level.
func wsFrame(ev events.Event) (map[string]interface{}, error) {
	switch ev.Kind {
	case events.KindConnected:
		return map[string]interface{}{"type": "Connected", "address": ev.Address}, nil
	case events.KindEmailArrived:
		raw, err := json.Marshal(ev.Email)
		if err != nil {
			return nil, err
		}
		frame := map[string]interface{}{}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, err
		}
		frame["type"] = "Email"
		return frame, nil
	case events.KindEmailDeleted:
		return map[string]interface{}{"type": "EmailDeleted", "id": ev.ID, "address": ev.Address}, nil
	}
	return map[string]interface{}{"type": string(ev.Kind), "address": ev.Address}, nil
}
