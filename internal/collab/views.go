package collab

import (
	"context"
	"errors"
	"time"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/store"
)

type UserRef struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type DestinationView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// ListView is a list with owner, collaborators and destinations resolved.
type ListView struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Owner         UserRef           `json:"owner"`
	Collaborators []UserRef         `json:"collaborators"`
	Destinations  []DestinationView `json:"destinations"`
	GroupID       string            `json:"groupId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

type RequestView struct {
	ID        string    `json:"id"`
	From      UserRef   `json:"from"`
	ListID    string    `json:"listId"`
	ListTitle string    `json:"listTitle,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	// ListMissing marks a request whose list was deleted; accepting it cleans it up.
	ListMissing bool `json:"listMissing,omitempty"`
}

type GroupView struct {
	ID            string    `json:"id"`
	ListID        string    `json:"listId"`
	Members       []string  `json:"members"`
	Admins        []string  `json:"admins"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func NewGroupView(group store.Group) GroupView {
	return GroupView{
		ID:            group.ID,
		ListID:        group.ListID,
		Members:       nonNil(group.Members),
		Admins:        nonNil(group.Admins),
		LastMessageID: group.LastMessageID,
		CreatedAt:     group.CreatedAt,
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// resolveUser returns a bare reference when the user record is missing.
func resolveUser(ctx context.Context, tx store.Tx, userID string) (UserRef, error) {
	user, err := tx.GetUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return UserRef{ID: userID}, nil
	}
	if err != nil {
		return UserRef{}, err
	}
	return UserRef{ID: user.ID, Email: user.Email, DisplayName: user.DisplayName}, nil
}

func hydrateList(ctx context.Context, tx store.Tx, list store.List) (ListView, error) {
	owner, err := resolveUser(ctx, tx, list.OwnerID)
	if err != nil {
		return ListView{}, err
	}
	collaborators := make([]UserRef, 0, len(list.Collaborators))
	for _, id := range list.Collaborators {
		ref, err := resolveUser(ctx, tx, id)
		if err != nil {
			return ListView{}, err
		}
		collaborators = append(collaborators, ref)
	}
	dests, err := tx.ListDestinations(ctx, list.ID)
	if err != nil {
		return ListView{}, err
	}
	destinations := make([]DestinationView, 0, len(dests))
	for _, d := range dests {
		destinations = append(destinations, DestinationView{ID: d.ID, Name: d.Name, Position: d.Position})
	}
	return ListView{
		ID:            list.ID,
		Title:         list.Title,
		Owner:         owner,
		Collaborators: collaborators,
		Destinations:  destinations,
		GroupID:       list.GroupID,
		CreatedAt:     list.CreatedAt,
	}, nil
}
