// Package chat is the group message log: idempotent appends, backward cursor
// pagination, read receipts and the events those operations publish.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/logger"
	"roamlist/api/internal/rbac"
	"roamlist/api/internal/realtime"
	"roamlist/api/internal/store"
	"roamlist/api/internal/util"
)

const (
	MaxPageLimit     = 100
	DefaultPageLimit = 30
	SearchLimit      = 50
	MaxClientIDLen   = 128
)

type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// SearchIndex is an optional full-text index over text messages.
type SearchIndex interface {
	IndexMessage(ctx context.Context, msg store.Message) error
	SearchMessages(ctx context.Context, groupID, query string, limit int) ([]string, error)
}

type Options struct {
	Publisher        Publisher
	Index            SearchIndex
	Logger           *logger.Logger
	DefaultPageLimit int
	Now              func() time.Time
}

type Service struct {
	store        store.Store
	publisher    Publisher
	index        SearchIndex
	log          *logger.Logger
	defaultLimit int
	now          func() time.Time
	locks        *groupLocks
}

func NewService(s store.Store, opts Options) *Service {
	svc := &Service{
		store:        s,
		publisher:    opts.Publisher,
		index:        opts.Index,
		log:          opts.Logger,
		defaultLimit: opts.DefaultPageLimit,
		now:          opts.Now,
		locks:        newGroupLocks(),
	}
	if svc.log == nil {
		svc.log = logger.NewNop()
	}
	svc.log = svc.log.With("component", "chat")
	if svc.defaultLimit <= 0 {
		svc.defaultLimit = DefaultPageLimit
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

type AppendInput struct {
	GroupID  string
	AuthorID string
	Body     store.MessageBody
	ClientID string
	ReplyTo  string
}

func memberGroup(ctx context.Context, tx store.Tx, groupID, userID string) (store.Group, error) {
	if strings.TrimSpace(groupID) == "" {
		return store.Group{}, apperr.InvalidArgument("groupId is required")
	}
	group, err := tx.GetGroup(ctx, groupID)
	if err != nil {
		return store.Group{}, err
	}
	if rbac.GroupRole(group.Members, group.Admins, userID) == rbac.RoleNone {
		return store.Group{}, apperr.Forbidden("not a member of group %s", groupID)
	}
	return group, nil
}

// Authorize returns the group when userID is a member of it.
func (s *Service) Authorize(ctx context.Context, groupID, userID string) (store.Group, error) {
	var group store.Group
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		group, err = memberGroup(ctx, tx, groupID, userID)
		return err
	})
	return group, err
}

// Append persists a message and broadcasts it to the group's room. A repeated ClientID
// returns the stored message with created=false and publishes nothing. The group stays
// locked until the event is published, across instances when the store is a GroupLocker.
func (s *Service) Append(ctx context.Context, in AppendInput) (MessageView, bool, error) {
	if in.Body.Empty() {
		return MessageView{}, false, apperr.InvalidArgument("message body is empty")
	}
	if len(strings.TrimSpace(in.ClientID)) > MaxClientIDLen {
		return MessageView{}, false, apperr.InvalidArgument("clientId exceeds %d bytes", MaxClientIDLen)
	}

	unlock := s.locks.lock(in.GroupID)
	defer unlock()
	if locker, ok := s.store.(store.GroupLocker); ok {
		release, err := locker.LockGroup(ctx, in.GroupID)
		if err != nil {
			return MessageView{}, false, err
		}
		defer release()
	}

	var (
		stored  store.Message
		created bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		group, err := memberGroup(ctx, tx, in.GroupID, in.AuthorID)
		if err != nil {
			return err
		}

		createdAt := s.now().UTC().Truncate(time.Microsecond)
		if group.LastMessageID != "" {
			last, err := tx.GetMessage(ctx, group.LastMessageID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
			if err == nil && !createdAt.After(last.CreatedAt) {
				createdAt = last.CreatedAt.Add(time.Microsecond)
			}
		}

		msg := store.Message{
			ID:        util.NewID("msg"),
			GroupID:   in.GroupID,
			AuthorID:  in.AuthorID,
			ClientID:  strings.TrimSpace(in.ClientID),
			Body:      in.Body,
			ReadBy:    []string{in.AuthorID},
			CreatedAt: createdAt,
		}
		if replyTo := strings.TrimSpace(in.ReplyTo); replyTo != "" {
			ref, err := tx.GetMessage(ctx, replyTo)
			switch {
			case err == nil && ref.GroupID == in.GroupID:
				msg.ReplyTo = replyTo
			case err == nil, errors.Is(err, apperr.ErrNotFound):
				s.log.Debug("dropping stale reply reference", "groupId", in.GroupID, "replyTo", replyTo)
			default:
				return err
			}
		}

		stored, created, err = tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return tx.SetGroupLastMessage(ctx, in.GroupID, stored.ID)
	})
	if err != nil {
		return MessageView{}, false, err
	}

	view := NewMessageView(stored)
	if created {
		s.publish(ctx, realtime.EventMessageNew, in.GroupID, "", view)
		s.indexMessage(ctx, stored)
	}
	return view, created, nil
}

// SendText appends a text message; whitespace-only text is rejected.
func (s *Service) SendText(ctx context.Context, groupID, authorID, text, clientID, replyTo string) (MessageView, bool, error) {
	if strings.TrimSpace(text) == "" {
		return MessageView{}, false, apperr.InvalidArgument("message text is empty")
	}
	return s.Append(ctx, AppendInput{
		GroupID:  groupID,
		AuthorID: authorID,
		Body:     store.MessageBody{Text: text},
		ClientID: clientID,
		ReplyTo:  replyTo,
	})
}

// SendVoice appends a message carrying only an audio URL.
func (s *Service) SendVoice(ctx context.Context, groupID, authorID, audioURL, clientID string) (MessageView, bool, error) {
	if strings.TrimSpace(audioURL) == "" {
		return MessageView{}, false, apperr.InvalidArgument("audio url is empty")
	}
	return s.Append(ctx, AppendInput{
		GroupID:  groupID,
		AuthorID: authorID,
		Body:     store.MessageBody{AudioURL: audioURL},
		ClientID: clientID,
	})
}

func clampLimit(limit, fallback int) int {
	if limit == 0 {
		limit = fallback
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// List returns messages strictly older than cursor, oldest first. An empty cursor starts
// from the newest message.
func (s *Service) List(ctx context.Context, groupID, userID, cursor string, limit int) (Page, error) {
	limit = clampLimit(limit, s.defaultLimit)

	var items []store.Message
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := memberGroup(ctx, tx, groupID, userID); err != nil {
			return err
		}
		var beforeSeq int64
		if cursor != "" {
			anchor, err := tx.GetMessage(ctx, cursor)
			if errors.Is(err, apperr.ErrNotFound) || (err == nil && anchor.GroupID != groupID) {
				return apperr.InvalidArgument("invalid cursor")
			}
			if err != nil {
				return err
			}
			beforeSeq = anchor.Seq
		}
		var err error
		items, err = tx.ListMessages(ctx, groupID, beforeSeq, limit)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: make([]MessageView, 0, len(items))}
	if len(items) == limit {
		oldest := items[len(items)-1].ID
		page.NextCursor = &oldest
	}
	for _, msg := range lo.Reverse(items) {
		page.Items = append(page.Items, NewMessageView(msg))
	}
	return page, nil
}

// MarkRead records userID as a reader of the listed messages and tells the room which ones changed.
func (s *Service) MarkRead(ctx context.Context, groupID, userID string, messageIDs []string) ([]string, error) {
	ids := lo.Compact(lo.Map(messageIDs, func(id string, _ int) string { return strings.TrimSpace(id) }))

	var changed []string
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := memberGroup(ctx, tx, groupID, userID); err != nil {
			return err
		}
		if len(ids) == 0 {
			changed = nil
			return nil
		}
		var err error
		changed, err = tx.MarkRead(ctx, groupID, userID, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed == nil {
		changed = []string{}
	}
	if len(changed) > 0 {
		s.publish(ctx, realtime.EventReadReceipt, groupID, "", realtime.ReadReceiptPayload{
			GroupID:    groupID,
			UserID:     userID,
			MessageIDs: changed,
		})
	}
	return changed, nil
}

// Typing relays presence to the rest of the room. Nothing is persisted.
func (s *Service) Typing(ctx context.Context, groupID, userID, originConn string, typing bool) {
	s.publish(ctx, realtime.EventTyping, groupID, originConn, realtime.TypingPayload{
		GroupID: groupID,
		UserID:  userID,
		Typing:  typing,
	})
}

// Search finds text messages in the group, newest first. The index is used when present
// and healthy; otherwise the store is scanned.
func (s *Service) Search(ctx context.Context, groupID, userID, query string) ([]MessageView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.InvalidArgument("q is required")
	}
	if _, err := s.Authorize(ctx, groupID, userID); err != nil {
		return nil, err
	}

	var ids []string
	indexed := false
	if s.index != nil {
		var err error
		ids, err = s.index.SearchMessages(ctx, groupID, query, SearchLimit)
		if err == nil {
			indexed = true
		} else {
			s.log.Warn("search index unavailable; scanning store", "groupId", groupID, "error", err)
		}
	}

	var hits []store.Message
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		hits = nil
		if !indexed {
			var err error
			hits, err = tx.SearchMessages(ctx, groupID, query, SearchLimit)
			return err
		}
		for _, id := range ids {
			msg, err := tx.GetMessage(ctx, id)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if msg.GroupID == groupID {
				hits = append(hits, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(hits, func(msg store.Message, _ int) MessageView { return NewMessageView(msg) }), nil
}

func (s *Service) publish(ctx context.Context, eventType realtime.EventType, groupID, excludeConn string, payload any) {
	if s.publisher == nil {
		return
	}
	ev, err := realtime.NewEvent(eventType, groupID, payload)
	if err != nil {
		s.log.Error("build event", "type", eventType, "error", err)
		return
	}
	ev.ExcludeConn = excludeConn
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("publish event failed", "type", eventType, "groupId", groupID, "error", err)
	}
}

func (s *Service) indexMessage(ctx context.Context, msg store.Message) {
	if s.index == nil || msg.Body.Text == "" {
		return
	}
	if err := s.index.IndexMessage(ctx, msg); err != nil {
		s.log.Warn("index message failed", "messageId", msg.ID, "error", err)
	}
}
