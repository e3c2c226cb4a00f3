// Package collab owns the invite ledger workflow: invites, acceptance, rejection,
// collaborator removal and chat enablement for a list.
package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/email"
	"roamlist/api/internal/logger"
	"roamlist/api/internal/rbac"
	"roamlist/api/internal/store"
	"roamlist/api/internal/util"
)

// Mailer delivers invite notifications. Failures never fail the invite.
type Mailer interface {
	SendInvite(ctx context.Context, invite email.Invite) error
}

type Options struct {
	Mailer Mailer
	Logger *logger.Logger
	// RequestsURL is linked from invite e-mails.
	RequestsURL string
	// MailTimeout bounds one notification attempt.
	MailTimeout time.Duration
	Now         func() time.Time
}

type Coordinator struct {
	store       store.Store
	mailer      Mailer
	log         *logger.Logger
	requestsURL string
	mailTimeout time.Duration
	now         func() time.Time

	notifications sync.WaitGroup
}

func NewCoordinator(s store.Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:       s,
		mailer:      opts.Mailer,
		log:         opts.Logger,
		requestsURL: opts.RequestsURL,
		mailTimeout: opts.MailTimeout,
		now:         opts.Now,
	}
	if c.log == nil {
		c.log = logger.NewNop()
	}
	c.log = c.log.With("component", "collab")
	if c.mailTimeout <= 0 {
		c.mailTimeout = 30 * time.Second
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Wait blocks until in-flight invite notifications finish.
func (c *Coordinator) Wait() {
	c.notifications.Wait()
}

func requireID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.InvalidArgument("%s is required", name)
	}
	return nil
}

func authorizeList(list store.List, userID string, action rbac.Action) error {
	role := rbac.ListRole(list.OwnerID, list.Collaborators, userID)
	if !rbac.Can(role, action) {
		return apperr.Forbidden("only the list owner can %s", strings.ReplaceAll(string(action), "_", " "))
	}
	return nil
}

// GetList returns the hydrated list to its owner or a collaborator.
func (c *Coordinator) GetList(ctx context.Context, listID, callerID string) (ListView, error) {
	if err := requireID("listId", listID); err != nil {
		return ListView{}, err
	}
	var view ListView
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		list, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if !rbac.Can(rbac.ListRole(list.OwnerID, list.Collaborators, callerID), rbac.ActionReadList) {
			return apperr.Forbidden("not a collaborator on list %s", listID)
		}
		view, err = hydrateList(ctx, tx, list)
		return err
	})
	return view, err
}

// SendInvite records a pending request in the invitee's ledger and notifies them by e-mail.
// The list itself is not modified.
func (c *Coordinator) SendInvite(ctx context.Context, listID, inviterID, inviteeEmail string) (ListView, error) {
	if err := requireID("listId", listID); err != nil {
		return ListView{}, err
	}
	if err := requireID("inviterId", inviterID); err != nil {
		return ListView{}, err
	}
	inviteeEmail = strings.TrimSpace(inviteeEmail)
	if inviteeEmail == "" {
		return ListView{}, apperr.InvalidArgument("collaboratorEmail is required")
	}

	var (
		view    ListView
		invite  email.Invite
		request store.CollabRequest
	)
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		list, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if err := authorizeList(list, inviterID, rbac.ActionInvite); err != nil {
			return err
		}
		invitee, err := tx.GetUserByEmail(ctx, inviteeEmail)
		if err != nil {
			return err
		}
		if rbac.ListRole(list.OwnerID, list.Collaborators, invitee.ID) != rbac.RoleNone {
			return apperr.Conflict("already a collaborator")
		}
		pending, err := tx.HasPendingRequest(ctx, invitee.ID, inviterID, listID)
		if err != nil {
			return err
		}
		if pending {
			return apperr.Conflict("invite already sent")
		}

		request = store.CollabRequest{
			ID:         util.NewID("req"),
			UserID:     invitee.ID,
			FromUserID: inviterID,
			ListID:     listID,
			CreatedAt:  c.now(),
		}
		if err := tx.InsertRequest(ctx, request); err != nil {
			return err
		}

		view, err = hydrateList(ctx, tx, list)
		if err != nil {
			return err
		}
		invite = email.Invite{
			To:          invitee.Email,
			InviteeName: displayName(invitee),
			InviterName: view.Owner.DisplayName,
			ListTitle:   list.Title,
			RequestsURL: c.requestsURL,
		}
		return nil
	})
	if err != nil {
		return ListView{}, err
	}

	c.log.Info("invite sent", "listId", listID, "requestId", request.ID, "inviteeId", request.UserID)
	c.notify(ctx, request, invite)
	return view, nil
}

func displayName(user store.User) string {
	if user.DisplayName != "" {
		return user.DisplayName
	}
	return user.Email
}

func (c *Coordinator) notify(ctx context.Context, request store.CollabRequest, invite email.Invite) {
	if c.mailer == nil {
		return
	}
	c.notifications.Add(1)
	go func() {
		defer c.notifications.Done()
		mailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.mailTimeout)
		defer cancel()

		err := c.mailer.SendInvite(mailCtx, invite)
		switch {
		case err == nil:
		case errors.Is(err, email.ErrNotConfigured):
			c.log.Debug("invite email skipped", "requestId", request.ID)
		default:
			c.log.Warn("invite email failed", "requestId", request.ID, "listId", request.ListID, "error", err)
		}
	}()
}

// ListRequests returns the caller's pending ledger, oldest first.
func (c *Coordinator) ListRequests(ctx context.Context, userID string) ([]RequestView, error) {
	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	var items []RequestView
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		requests, err := tx.ListRequests(ctx, userID)
		if err != nil {
			return err
		}
		items = make([]RequestView, 0, len(requests))
		for _, req := range requests {
			from, err := resolveUser(ctx, tx, req.FromUserID)
			if err != nil {
				return err
			}
			item := RequestView{ID: req.ID, From: from, ListID: req.ListID, CreatedAt: req.CreatedAt}
			list, err := tx.GetList(ctx, req.ListID)
			switch {
			case errors.Is(err, apperr.ErrNotFound):
				item.ListMissing = true
			case err != nil:
				return err
			default:
				item.ListTitle = list.Title
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// AcceptInvite converts a pending request into collaborator membership. The ledger entry,
// the list's collaborator set, the user's list membership and the chat group commit together.
// A request that points at a deleted list is removed and reported as Gone.
func (c *Coordinator) AcceptInvite(ctx context.Context, userID, requestID string) (ListView, error) {
	if err := requireID("userId", userID); err != nil {
		return ListView{}, err
	}
	if err := requireID("requestId", requestID); err != nil {
		return ListView{}, err
	}

	var (
		view    ListView
		orphan  store.CollabRequest
		dangled bool
	)
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		dangled = false
		req, err := tx.GetRequest(ctx, userID, requestID)
		if err != nil {
			return err
		}

		list, err := tx.GetList(ctx, req.ListID)
		if errors.Is(err, apperr.ErrNotFound) {
			dangled = true
			orphan = req
			return tx.DeleteRequest(ctx, userID, requestID)
		}
		if err != nil {
			return err
		}

		if userID != list.OwnerID {
			if err := tx.AddCollaborator(ctx, list.ID, userID); err != nil {
				return err
			}
		}
		if err := tx.AddUserList(ctx, userID, list.ID); err != nil {
			return err
		}
		if list.GroupID != "" {
			if err := tx.AddGroupMember(ctx, list.GroupID, userID); err != nil {
				return err
			}
		}
		if err := tx.DeleteRequest(ctx, userID, requestID); err != nil {
			return err
		}

		list, err = tx.GetList(ctx, list.ID)
		if err != nil {
			return err
		}
		view, err = hydrateList(ctx, tx, list)
		return err
	})
	if err != nil {
		return ListView{}, err
	}
	if dangled {
		c.log.Info("removed dangling invite", "requestId", orphan.ID, "listId", orphan.ListID, "userId", userID)
		return ListView{}, apperr.Gone("list %s no longer exists", orphan.ListID)
	}

	c.log.Info("invite accepted", "requestId", requestID, "listId", view.ID, "userId", userID)
	return view, nil
}

// RejectInvite discards a pending request from the caller's ledger.
func (c *Coordinator) RejectInvite(ctx context.Context, userID, requestID string) error {
	if err := requireID("userId", userID); err != nil {
		return err
	}
	if err := requireID("requestId", requestID); err != nil {
		return err
	}
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteRequest(ctx, userID, requestID)
	})
	if err != nil {
		return err
	}
	c.log.Info("invite rejected", "requestId", requestID, "userId", userID)
	return nil
}

// RemoveCollaborator drops a collaborator from the list and the list from their membership.
// An existing chat group keeps the user as a member.
func (c *Coordinator) RemoveCollaborator(ctx context.Context, listID, collaboratorID, callerID string) (ListView, error) {
	if err := requireID("listId", listID); err != nil {
		return ListView{}, err
	}
	if err := requireID("collaboratorId", collaboratorID); err != nil {
		return ListView{}, err
	}

	var view ListView
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		list, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if err := authorizeList(list, callerID, rbac.ActionRemoveCollaborator); err != nil {
			return err
		}
		removed, err := tx.RemoveCollaborator(ctx, listID, collaboratorID)
		if err != nil {
			return err
		}
		if !removed {
			return apperr.InvalidArgument("user %s is not a collaborator", collaboratorID)
		}
		if err := tx.RemoveUserList(ctx, collaboratorID, listID); err != nil {
			return err
		}

		list, err = tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		view, err = hydrateList(ctx, tx, list)
		return err
	})
	if err != nil {
		return ListView{}, err
	}
	c.log.Info("collaborator removed", "listId", listID, "collaboratorId", collaboratorID)
	return view, nil
}

// EnableChat creates the list's chat group from a snapshot of {owner} and the current
// collaborators. A list gets at most one group; later calls return the existing one.
func (c *Coordinator) EnableChat(ctx context.Context, listID, callerID string) (GroupView, bool, error) {
	if err := requireID("listId", listID); err != nil {
		return GroupView{}, false, err
	}

	var (
		group   store.Group
		created bool
	)
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		created = false
		list, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if err := authorizeList(list, callerID, rbac.ActionEnableChat); err != nil {
			return err
		}
		if list.GroupID != "" {
			group, err = tx.GetGroup(ctx, list.GroupID)
			return err
		}
		if len(list.Collaborators) == 0 {
			return apperr.InvalidArgument("chat needs at least one collaborator")
		}

		group = store.Group{
			ID:        util.NewID("grp"),
			ListID:    list.ID,
			Members:   append([]string{list.OwnerID}, list.Collaborators...),
			Admins:    []string{list.OwnerID},
			CreatedAt: c.now(),
		}
		if err := tx.CreateGroup(ctx, group); err != nil {
			return err
		}
		created = true
		return tx.SetListGroup(ctx, list.ID, group.ID)
	})
	if err != nil {
		return GroupView{}, false, err
	}
	if created {
		c.log.Info("chat enabled", "listId", listID, "groupId", group.ID, "members", len(group.Members))
	}
	return NewGroupView(group), created, nil
}
