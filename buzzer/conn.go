package buzzer

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendQueueSize  = 32
	maxMessageSize = 4096
	closeGrace     = time.Second
)

// Handshake carries the connection-establishment metadata: either a
// display name (new identity), a pid+token pair (reconnect), or the
// room's host token.
type Handshake struct {
	PlayerName string
	PlayerID   *PlayerID
	Token      string
}

// conn owns one websocket for the lifetime of a session. It decodes
// inbound frames into commands for the room and drains the room's events
// out through its own queue, so one slow client never stalls another.
type conn struct {
	ws   *websocket.Conn
	send chan Event
	room *Room

	// Set by the room loop during attach, before the pumps start.
	pid    PlayerID
	isHost bool
}

// ServeConn binds an upgraded websocket to a room and pumps it until the
// transport closes. Handshake failures close the socket with a reason
// and touch nothing else.
func ServeConn(r *Room, ws *websocket.Conn, hs Handshake) {
	c := &conn{
		ws:   ws,
		send: make(chan Event, sendQueueSize),
		room: r,
	}

	if err := r.attach(c, hs.PlayerName, hs.PlayerID, hs.Token); err != nil {
		log.Warn().Str("room", r.code).Err(err).Msg("handshake rejected")
		closeWithReason(ws, websocket.ClosePolicyViolation, err.Error())
		return
	}

	go c.writePump()
	c.readPump()
}

// readPump decodes frames and forwards commands to the room, in order.
// A protocol error is a transport-level fault: it closes this connection
// but the player's entry survives for reconnect.
func (c *conn) readPump() {
	defer func() {
		c.room.detach(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		cmd, err := DecodeCommand(data)
		if err != nil {
			log.Warn().Str("room", c.room.code).Uint32("pid", uint32(c.pid)).Err(err).Msg("closing connection")
			closeWithReason(c.ws, websocket.CloseProtocolError, err.Error())
			return
		}

		c.room.deliver(c, cmd)
	}
}

// writePump serializes queued events onto the socket. The room closes
// the send channel when it drops or tears down the connection.
func (c *conn) writePump() {
	defer c.ws.Close()

	for ev := range c.send {
		data, err := EncodeEvent(ev)
		if err != nil {
			log.Error().Str("room", c.room.code).Err(err).Msg("event encode failed")
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	closeWithReason(c.ws, websocket.CloseNormalClosure, "")
}

func closeWithReason(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	_ = ws.Close()
}
