// Package realtime fans out chat events to the sockets joined to a group's room.
package realtime

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventMessageNew  EventType = "message:new"
	EventTyping      EventType = "typing"
	EventReadReceipt EventType = "read-receipt-update"
)

// Event is one room-scoped notification. Data is the JSON payload delivered to clients.
type Event struct {
	Type    EventType       `json:"type"`
	GroupID string          `json:"groupId"`
	Data    json.RawMessage `json:"data"`

	// ExcludeConn skips the originating connection, e.g. for typing presence.
	ExcludeConn string `json:"excludeConn,omitempty"`
}

func NewEvent(eventType EventType, groupID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, GroupID: groupID, Data: raw}, nil
}

type TypingPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	Typing  bool   `json:"typing"`
}

type ReadReceiptPayload struct {
	GroupID    string   `json:"groupId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}
