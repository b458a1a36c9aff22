/*
Package chat contains the real-time core of the relay: connection registry,
room broadcaster, and the per-connection session gateway.

This file defines the wire-level event model. Every frame exchanged with a
client is an Envelope carrying a typed payload; inbound frames may also carry
a client-chosen tempID that the server echoes back in a confirm event.
*/
package chat

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of event carried by an Envelope.
type EventType string

// Client -> Server event types.
const (
	EventJoinRoom        EventType = "joinRoom"
	EventSendRoomMessage EventType = "sendRoomMessage"
	EventTyping          EventType = "typing"
	EventLeaveRoom       EventType = "leaveRoom"
)

// Server -> Client event types.
const (
	EventRoomNotice  EventType = "roomNotice"
	EventRoomMessage EventType = "roomMessage"
	EventConfirm     EventType = "confirm"
)

// Envelope is the frame exchanged over the transport in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TempID  string          `json:"tempID,omitempty"`
}

// JoinRoomPayload asks the gateway to place the connection in a room.
type JoinRoomPayload struct {
	DisplayName string `json:"displayName"`
	Room        string `json:"room"`
}

// SendRoomMessagePayload carries one chat message from a joined connection.
type SendRoomMessagePayload struct {
	DisplayName string `json:"displayName"`
	Room        string `json:"room"`
	Body        string `json:"body"`
}

// TypingPayload signals that the sender started or stopped typing.
// Advisory only: it is never persisted and may be dropped under load.
type TypingPayload struct {
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// LeaveRoomPayload asks the gateway to remove the connection from its room.
type LeaveRoomPayload struct {
	DisplayName string `json:"displayName"`
	Room        string `json:"room"`
}

// RoomNoticePayload is a room-wide announcement (member joined or left).
type RoomNoticePayload struct {
	Text string `json:"text"`
}

// RoomMessagePayload is a chat message delivered to room members. Live
// messages and history replay share this shape; DeliveredAtTime is Unix
// milliseconds (delivery time for live messages, creation time on replay).
type RoomMessagePayload struct {
	DisplayName     string `json:"displayName"`
	Body            string `json:"body"`
	DeliveredAtTime int64  `json:"deliveredAtTime"`
}

// ConfirmPayload acknowledges an inbound event that carried a tempID.
type ConfirmPayload struct {
	TempID string `json:"tempId"`
	OK     bool   `json:"ok"`
}

// EncodeEvent marshals a payload into a ready-to-send Envelope frame.
// Events are encoded once and the same bytes are fanned out to every
// recipient, so all members of a room observe identical frames.
func EncodeEvent(eventType EventType, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	frame, err := json.Marshal(Envelope{
		Type:    eventType,
		Payload: payloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}

	return frame, nil
}
