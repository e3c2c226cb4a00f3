package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/email"
	"roamlist/api/internal/store"
)

type fakeMailer struct {
	mu      sync.Mutex
	invites []email.Invite
	err     error
}

func (f *fakeMailer) SendInvite(_ context.Context, invite email.Invite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, invite)
	return f.err
}

func (f *fakeMailer) sent() []email.Invite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]email.Invite(nil), f.invites...)
}

var errInjected = errors.New("injected failure")

// faultyStore fails the named Tx step inside every transaction.
type faultyStore struct {
	store.Store
	failOn string
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, failOn: f.failOn})
	})
}

type faultyTx struct {
	store.Tx
	failOn string
}

func (t *faultyTx) DeleteRequest(ctx context.Context, userID, requestID string) error {
	if t.failOn == "DeleteRequest" {
		return errInjected
	}
	return t.Tx.DeleteRequest(ctx, userID, requestID)
}

func (t *faultyTx) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if t.failOn == "AddGroupMember" {
		return errInjected
	}
	return t.Tx.AddGroupMember(ctx, groupID, userID)
}

func (t *faultyTx) RemoveUserList(ctx context.Context, userID, listID string) error {
	if t.failOn == "RemoveUserList" {
		return errInjected
	}
	return t.Tx.RemoveUserList(ctx, userID, listID)
}

type fixture struct {
	store  store.Store
	mailer *fakeMailer
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	err = s.WithTx(ctx, func(tx store.Tx) error {
		for _, u := range []store.User{
			{ID: "alice", Email: "alice@x.com", DisplayName: "Alice", CreatedAt: now},
			{ID: "bob", Email: "bob@x.com", DisplayName: "Bob", CreatedAt: now},
			{ID: "carol", Email: "carol@x.com", DisplayName: "Carol", CreatedAt: now},
		} {
			if err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
		}
		if err := tx.CreateList(ctx, store.List{ID: "L", OwnerID: "alice", Title: "Lisbon", CreatedAt: now}); err != nil {
			return err
		}
		return tx.AddDestination(ctx, store.Destination{ID: "d1", ListID: "L", Name: "Alfama", Position: 1})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	mailer := &fakeMailer{}
	return &fixture{
		store:  s,
		mailer: mailer,
		coord:  NewCoordinator(s, Options{Mailer: mailer, RequestsURL: "https://roamlist.app/requests"}),
	}
}

func (f *fixture) list(t *testing.T, listID string) store.List {
	t.Helper()
	var list store.List
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		list, err = tx.GetList(context.Background(), listID)
		return err
	})
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	return list
}

func (f *fixture) user(t *testing.T, userID string) store.User {
	t.Helper()
	var user store.User
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(context.Background(), userID)
		return err
	})
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return user
}

func (f *fixture) group(t *testing.T, groupID string) store.Group {
	t.Helper()
	var group store.Group
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		group, err = tx.GetGroup(context.Background(), groupID)
		return err
	})
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	return group
}

func (f *fixture) invite(t *testing.T, inviteeEmail string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.coord.SendInvite(ctx, "L", "alice", inviteeEmail); err != nil {
		t.Fatalf("send invite: %v", err)
	}
	invitee, err := f.userByEmail(inviteeEmail)
	if err != nil {
		t.Fatal(err)
	}
	requests, err := f.coord.ListRequests(ctx, invitee)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(requests) == 0 {
		t.Fatal("no pending request after invite")
	}
	return requests[len(requests)-1].ID
}

func (f *fixture) userByEmail(addr string) (string, error) {
	var id string
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		user, err := tx.GetUserByEmail(context.Background(), addr)
		id = user.ID
		return err
	})
	return id, err
}

func TestSendInviteRecordsPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.coord.SendInvite(ctx, "L", "alice", "bob@x.com")
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	if len(view.Collaborators) != 0 {
		t.Fatalf("invite must not change the list, got collaborators %v", view.Collaborators)
	}
	if view.Owner.DisplayName != "Alice" {
		t.Fatalf("owner not hydrated: %+v", view.Owner)
	}

	requests, err := f.coord.ListRequests(ctx, "bob")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 1 || requests[0].From.ID != "alice" || requests[0].ListID != "L" || requests[0].ListTitle != "Lisbon" {
		t.Fatalf("unexpected ledger: %+v", requests)
	}

	f.coord.Wait()
	sent := f.mailer.sent()
	if len(sent) != 1 || sent[0].To != "bob@x.com" || sent[0].InviterName != "Alice" {
		t.Fatalf("unexpected notifications: %+v", sent)
	}
}

func TestSendInviteFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coord.SendInvite(ctx, "L", "alice", "carol@x.com"); err != nil {
		t.Fatalf("seed invite: %v", err)
	}
	acceptID := f.invite(t, "bob@x.com")
	if _, err := f.coord.AcceptInvite(ctx, "bob", acceptID); err != nil {
		t.Fatalf("seed accept: %v", err)
	}

	cases := []struct {
		name    string
		listID  string
		inviter string
		email   string
		want    error
	}{
		{name: "collaborator cannot invite", listID: "L", inviter: "bob", email: "carol@x.com", want: apperr.ErrForbidden},
		{name: "stranger cannot invite", listID: "L", inviter: "carol", email: "bob@x.com", want: apperr.ErrForbidden},
		{name: "unknown invitee", listID: "L", inviter: "alice", email: "nobody@x.com", want: apperr.ErrNotFound},
		{name: "missing list", listID: "nope", inviter: "alice", email: "bob@x.com", want: apperr.ErrNotFound},
		{name: "owner is not invitable", listID: "L", inviter: "alice", email: "alice@x.com", want: apperr.ErrConflict},
		{name: "already collaborator", listID: "L", inviter: "alice", email: "bob@x.com", want: apperr.ErrConflict},
		{name: "duplicate invite", listID: "L", inviter: "alice", email: "Carol@X.com", want: apperr.ErrConflict},
		{name: "empty email", listID: "L", inviter: "alice", email: "  ", want: apperr.ErrInvalidArgument},
		{name: "empty list id", listID: "", inviter: "alice", email: "bob@x.com", want: apperr.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.SendInvite(ctx, tc.listID, tc.inviter, tc.email)
			if !errors.Is(err, tc.want) {
				t.Fatalf("SendInvite() error = %v, want %v", err, tc.want)
			}
		})
	}

	requests, err := f.coord.ListRequests(ctx, "carol")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("duplicate invite left %d requests, want 1", len(requests))
	}
}

func TestSendInviteSurvivesMailFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")

	if _, err := f.coord.SendInvite(context.Background(), "L", "alice", "bob@x.com"); err != nil {
		t.Fatalf("mail failure must not fail the invite: %v", err)
	}
	f.coord.Wait()
	if len(f.mailer.sent()) != 1 {
		t.Fatal("notification was not attempted")
	}
}

func TestAcceptInviteScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requestID := f.invite(t, "bob@x.com")

	view, err := f.coord.AcceptInvite(ctx, "bob", requestID)
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if len(view.Collaborators) != 1 || view.Collaborators[0].ID != "bob" || view.Collaborators[0].DisplayName != "Bob" {
		t.Fatalf("collaborators = %+v", view.Collaborators)
	}
	if len(view.Destinations) != 1 || view.Destinations[0].Name != "Alfama" {
		t.Fatalf("destinations not hydrated: %+v", view.Destinations)
	}

	requests, err := f.coord.ListRequests(ctx, "bob")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 0 {
		t.Fatalf("ledger not cleared: %+v", requests)
	}
	if lists := f.user(t, "bob").ListIDs; len(lists) != 1 || lists[0] != "L" {
		t.Fatalf("bob lists = %v", lists)
	}

	if _, err := f.coord.AcceptInvite(ctx, "bob", requestID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second accept error = %v, want not found", err)
	}
}

func TestAcceptInviteRollsBackOnFailure(t *testing.T) {
	for _, step := range []string{"DeleteRequest", "AddGroupMember"} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			carolReq := f.invite(t, "carol@x.com")
			if _, err := f.coord.AcceptInvite(ctx, "carol", carolReq); err != nil {
				t.Fatalf("accept carol: %v", err)
			}
			if _, _, err := f.coord.EnableChat(ctx, "L", "alice"); err != nil {
				t.Fatalf("enable chat: %v", err)
			}
			requestID := f.invite(t, "bob@x.com")

			faulty := NewCoordinator(&faultyStore{Store: f.store, failOn: step}, Options{})
			if _, err := faulty.AcceptInvite(ctx, "bob", requestID); !errors.Is(err, errInjected) {
				t.Fatalf("AcceptInvite error = %v, want injected failure", err)
			}

			list := f.list(t, "L")
			if len(list.Collaborators) != 1 || list.Collaborators[0] != "carol" {
				t.Fatalf("collaborators changed: %v", list.Collaborators)
			}
			if lists := f.user(t, "bob").ListIDs; len(lists) != 0 {
				t.Fatalf("bob lists changed: %v", lists)
			}
			if members := f.group(t, list.GroupID).Members; len(members) != 2 {
				t.Fatalf("group members changed: %v", members)
			}
			requests, err := f.coord.ListRequests(ctx, "bob")
			if err != nil {
				t.Fatalf("ListRequests: %v", err)
			}
			if len(requests) != 1 || requests[0].ID != requestID {
				t.Fatalf("request not pending after rollback: %+v", requests)
			}
		})
	}
}

func TestAcceptInviteConcurrentRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requestID := f.invite(t, "bob@x.com")

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.AcceptInvite(ctx, "bob", requestID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d accepts succeeded, want exactly 1", succeeded)
	}
	if collaborators := f.list(t, "L").Collaborators; len(collaborators) != 1 {
		t.Fatalf("collaborators = %v", collaborators)
	}
	if lists := f.user(t, "bob").ListIDs; len(lists) != 1 {
		t.Fatalf("bob lists = %v", lists)
	}
}

func TestAcceptInviteForDeletedListIsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requestID := f.invite(t, "bob@x.com")

	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteList(ctx, "L")
	})
	if err != nil {
		t.Fatalf("delete list: %v", err)
	}

	requests, err := f.coord.ListRequests(ctx, "bob")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 1 || !requests[0].ListMissing {
		t.Fatalf("dangling request not flagged: %+v", requests)
	}

	if _, err := f.coord.AcceptInvite(ctx, "bob", requestID); !errors.Is(err, apperr.ErrGone) {
		t.Fatalf("AcceptInvite error = %v, want gone", err)
	}
	requests, err = f.coord.ListRequests(ctx, "bob")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 0 {
		t.Fatalf("dangling request not cleaned up: %+v", requests)
	}
	if lists := f.user(t, "bob").ListIDs; len(lists) != 0 {
		t.Fatalf("bob lists = %v", lists)
	}
}

func TestRejectInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requestID := f.invite(t, "bob@x.com")

	if err := f.coord.RejectInvite(ctx, "carol", requestID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("reject through another ledger = %v, want not found", err)
	}
	if err := f.coord.RejectInvite(ctx, "bob", requestID); err != nil {
		t.Fatalf("RejectInvite: %v", err)
	}
	if _, err := f.coord.AcceptInvite(ctx, "bob", requestID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("accept after reject = %v, want not found", err)
	}
	if err := f.coord.RejectInvite(ctx, "bob", requestID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second reject = %v, want not found", err)
	}
	if collaborators := f.list(t, "L").Collaborators; len(collaborators) != 0 {
		t.Fatalf("reject changed collaborators: %v", collaborators)
	}

	// The slot frees up for a fresh invite.
	if _, err := f.coord.SendInvite(ctx, "L", "alice", "bob@x.com"); err != nil {
		t.Fatalf("re-invite after reject: %v", err)
	}
}

func TestRemoveCollaborator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coord.AcceptInvite(ctx, "bob", f.invite(t, "bob@x.com")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	group, _, err := f.coord.EnableChat(ctx, "L", "alice")
	if err != nil {
		t.Fatalf("enable chat: %v", err)
	}

	if _, err := f.coord.RemoveCollaborator(ctx, "L", "bob", "bob"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("collaborator removing = %v, want forbidden", err)
	}
	if _, err := f.coord.RemoveCollaborator(ctx, "L", "carol", "alice"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("removing non collaborator = %v, want invalid argument", err)
	}

	faulty := NewCoordinator(&faultyStore{Store: f.store, failOn: "RemoveUserList"}, Options{})
	if _, err := faulty.RemoveCollaborator(ctx, "L", "bob", "alice"); !errors.Is(err, errInjected) {
		t.Fatalf("faulty remove = %v, want injected failure", err)
	}
	if collaborators := f.list(t, "L").Collaborators; len(collaborators) != 1 {
		t.Fatalf("half-applied removal: %v", collaborators)
	}

	view, err := f.coord.RemoveCollaborator(ctx, "L", "bob", "alice")
	if err != nil {
		t.Fatalf("RemoveCollaborator: %v", err)
	}
	if len(view.Collaborators) != 0 {
		t.Fatalf("collaborators = %+v", view.Collaborators)
	}
	if lists := f.user(t, "bob").ListIDs; len(lists) != 0 {
		t.Fatalf("bob lists = %v", lists)
	}
	// Group membership is a snapshot and is not reconciled on removal.
	if members := f.group(t, group.ID).Members; len(members) != 2 {
		t.Fatalf("group members = %v, want owner and bob", members)
	}
}

func TestEnableChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.coord.EnableChat(ctx, "L", "alice"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("enable without collaborators = %v, want invalid argument", err)
	}
	if _, err := f.coord.AcceptInvite(ctx, "bob", f.invite(t, "bob@x.com")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, _, err := f.coord.EnableChat(ctx, "L", "bob"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("collaborator enabling chat = %v, want forbidden", err)
	}

	group, created, err := f.coord.EnableChat(ctx, "L", "alice")
	if err != nil || !created {
		t.Fatalf("EnableChat: created=%v err=%v", created, err)
	}
	if len(group.Members) != 2 || group.Members[0] != "alice" || group.Members[1] != "bob" {
		t.Fatalf("members = %v", group.Members)
	}
	if len(group.Admins) != 1 || group.Admins[0] != "alice" {
		t.Fatalf("admins = %v", group.Admins)
	}

	again, created, err := f.coord.EnableChat(ctx, "L", "alice")
	if err != nil || created || again.ID != group.ID {
		t.Fatalf("second EnableChat: id=%s created=%v err=%v", again.ID, created, err)
	}

	// Accepting after chat exists joins the group.
	if _, err := f.coord.AcceptInvite(ctx, "carol", f.invite(t, "carol@x.com")); err != nil {
		t.Fatalf("accept carol: %v", err)
	}
	if members := f.group(t, group.ID).Members; len(members) != 3 {
		t.Fatalf("members after accept = %v", members)
	}
}

func TestGetList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requestID := f.invite(t, "bob@x.com")
	if _, err := f.coord.AcceptInvite(ctx, "bob", requestID); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}

	for _, caller := range []string{"alice", "bob"} {
		view, err := f.coord.GetList(ctx, "L", caller)
		if err != nil || view.Title != "Lisbon" || view.Owner.ID != "alice" {
			t.Fatalf("GetList(%s) = %+v, %v", caller, view, err)
		}
	}
	if _, err := f.coord.GetList(ctx, "L", "carol"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("GetList(carol) error = %v, want forbidden", err)
	}
	if _, err := f.coord.GetList(ctx, "missing", "alice"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetList(missing) error = %v, want not found", err)
	}
}
