// Package search indexes chat text for group-scoped full-text lookup.
package search

import "errors"

// ErrUnavailable means the index cannot answer; callers fall back to a store scan.
var ErrUnavailable = errors.New("search index unavailable")

// MessageRecord is the data we index for a text message.
type MessageRecord struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	AuthorID  string `json:"authorId"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Backend is a full-text engine holding message records.
type Backend interface {
	Healthy() bool
	IndexMessages(records []MessageRecord) error
	SearchMessages(groupID, query string, limit int) ([]string, error)
}
