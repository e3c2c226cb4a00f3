package chat

import (
	"time"

	"roamlist/api/internal/store"
)

type MessageView struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"groupId"`
	AuthorID  string            `json:"authorId"`
	ClientID  string            `json:"clientId,omitempty"`
	Body      store.MessageBody `json:"body"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	ReadBy    []string          `json:"readBy"`
	CreatedAt time.Time         `json:"createdAt"`
}

func NewMessageView(msg store.Message) MessageView {
	readBy := msg.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return MessageView{
		ID:        msg.ID,
		GroupID:   msg.GroupID,
		AuthorID:  msg.AuthorID,
		ClientID:  msg.ClientID,
		Body:      msg.Body,
		ReplyTo:   msg.ReplyTo,
		ReadBy:    readBy,
		CreatedAt: msg.CreatedAt,
	}
}

// Page is one window of history in ascending order. NextCursor is nil when there is
// no older history.
type Page struct {
	Items      []MessageView `json:"items"`
	NextCursor *string       `json:"nextCursor"`
}
