package store

import "time"

type User struct {
	ID          string
	Email       string
	DisplayName string
	// ListIDs are the lists the user owns or collaborates on.
	ListIDs   []string
	CreatedAt time.Time
}

type List struct {
	ID            string
	OwnerID       string
	Title         string
	Collaborators []string
	GroupID       string
	CreatedAt     time.Time
}

type Destination struct {
	ID       string
	ListID   string
	Name     string
	Position int
}

// CollabRequest is one pending invite in a user's inbound ledger.
type CollabRequest struct {
	ID         string
	UserID     string
	FromUserID string
	ListID     string
	CreatedAt  time.Time
}

type Group struct {
	ID            string
	ListID        string
	Members       []string
	Admins        []string
	LastMessageID string
	CreatedAt     time.Time
}

type MessageBody struct {
	Text     string `json:"text,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	VideoURL string `json:"videoUrl,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Empty reports whether no content field is populated. FileName alone is not content.
func (b MessageBody) Empty() bool {
	return b.Text == "" && b.AudioURL == "" && b.ImageURL == "" && b.VideoURL == "" && b.FileURL == ""
}

type Message struct {
	ID        string
	Seq       int64
	GroupID   string
	AuthorID  string
	ClientID  string
	Body      MessageBody
	ReplyTo   string
	ReadBy    []string
	CreatedAt time.Time
}
