/*
Package chat contains the real-time core of the relay: connection registry,
room broadcaster, and the per-connection session gateway.

This file defines the Client struct, representing an active WebSocket
connection. It manages the connection's lifecycle, the read and write pumps,
and the dispatch of inbound events into the session gateway.
*/
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relaychat/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 8192

	// capacity of the per-connection outbound queue.
	sendQueueSize = 256
)

// eventHandler processes one decoded inbound envelope for a client.
type eventHandler func(c *Client, payload json.RawMessage, tempID string)

// inboundHandlers is the typed dispatch table from event kind to handler.
// The transport layer never branches on raw event strings anywhere else.
var inboundHandlers = map[EventType]eventHandler{
	EventJoinRoom:        (*Client).handleJoinRoom,
	EventSendRoomMessage: (*Client).handleSendRoomMessage,
	EventTyping:          (*Client).handleTyping,
	EventLeaveRoom:       (*Client).handleLeaveRoom,
}

// Client represents one active WebSocket connection bound to the gateway.
// It implements Sink: the broadcaster enqueues encoded events into the
// buffered send queue and the write pump drains it, so fan-out never blocks
// on a slow socket.
type Client struct {
	id      string
	conn    *websocket.Conn
	gateway *Gateway

	// send is the outbound FIFO queue drained by WritePump.
	send chan []byte

	// done is closed exactly once when the connection shuts down; Enqueue
	// treats a closed done as a closed sink.
	done     chan struct{}
	doneOnce sync.Once

	logger zerolog.Logger
}

// NewClient constructs a Client for an upgraded WebSocket connection.
func NewClient(connID string, conn *websocket.Conn, gateway *Gateway) *Client {
	return &Client{
		id:      connID,
		conn:    conn,
		gateway: gateway,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		logger:  logx.Logger().With().Str("conn_id", connID).Logger(),
	}
}

// ID returns the opaque connection identifier assigned at connect time.
func (c *Client) ID() string {
	return c.id
}

// Enqueue implements Sink. It never blocks: events for a closed connection
// or a full queue are dropped and reported to the caller via false.
func (c *Client) Enqueue(event []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket connection and dispatches them
// into the gateway until the connection drops. It owns disconnect cleanup:
// when the loop exits the gateway is told to disconnect and the write pump
// is signalled to stop.
func (c *Client) ReadPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Connection read ended unexpectedly")
			}
			return
		}

		c.dispatchInbound(frame)
	}
}

// shutdown performs disconnect cleanup exactly once.
func (c *Client) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
	})

	c.gateway.Disconnect(c.id)

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Connection close error during cleanup")
	}
}

// dispatchInbound decodes one raw frame and routes it through the handler
// table. Unknown types and malformed JSON are dropped: the protocol is
// best-effort and never surfaces errors for bad input.
func (c *Client) dispatchInbound(frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON frame")
		return
	}

	handler, ok := inboundHandlers[envelope.Type]
	if !ok {
		c.logger.Warn().Str("event_type", string(envelope.Type)).Msg("Client sent unsupported event type")
		return
	}

	handler(c, envelope.Payload, envelope.TempID)
}

func (c *Client) handleJoinRoom(payload json.RawMessage, _ string) {
	var p JoinRoomPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid joinRoom payload")
		return
	}

	c.gateway.Join(c.id, p.DisplayName, p.Room)
}

func (c *Client) handleSendRoomMessage(payload json.RawMessage, _ string) {
	var p SendRoomMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid sendRoomMessage payload")
		return
	}

	c.gateway.Send(context.Background(), c.id, p.DisplayName, p.Room, p.Body)
}

func (c *Client) handleTyping(payload json.RawMessage, _ string) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid typing payload")
		return
	}

	c.gateway.Typing(c.id, p.IsTyping)
}

// handleLeaveRoom executes a best-effort leave on the connection's actual
// room (client-supplied fields are not trusted). If the event carried a
// tempID, a confirm event with the outcome is sent back to the requester.
func (c *Client) handleLeaveRoom(payload json.RawMessage, tempID string) {
	var p LeaveRoomPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid leaveRoom payload")
		return
	}

	left := c.gateway.Leave(c.id)

	if tempID == "" {
		return
	}

	frame, err := EncodeEvent(EventConfirm, ConfirmPayload{TempID: tempID, OK: left})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode leave confirmation")
		return
	}

	if !c.Enqueue(frame) {
		c.logger.Warn().Msg("Failed to queue leave confirmation, send queue closed or full")
	}
}

// WritePump drains the send queue onto the WebSocket connection and keeps
// the heartbeat alive with periodic pings. It exits when the connection
// shuts down or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Connection close error in WritePump")
		}
	}()

	for {
		select {
		case event := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline")
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, event); err != nil {
				c.logger.Info().Err(err).Msg("Error writing event, stopping write pump")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info().Err(err).Msg("Error writing ping, stopping write pump")
				return
			}

		case <-c.done:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug().Err(err).Msg("Error writing close message")
				}
			}
			return
		}
	}
}
