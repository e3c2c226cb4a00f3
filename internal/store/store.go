package store

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"roamlist/api/internal/apperr"
)

// Store is the aggregate store for users, lists, groups and messages. Every read and
// write goes through a transaction so multi-aggregate workflows commit or roll back as a unit.
type Store interface {
	// WithTx runs fn in a serializable transaction. fn may be invoked more than once when
	// the backend reports a serialization conflict; it must not have side effects outside tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// GroupLocker is implemented by backends shared between processes. LockGroup holds a
// cross-process lock on the group until release is called.
type GroupLocker interface {
	LockGroup(ctx context.Context, groupID string) (release func(), err error)
}

type Tx interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// AddUserList and RemoveUserList are add-if-absent / remove-if-present.
	AddUserList(ctx context.Context, userID, listID string) error
	RemoveUserList(ctx context.Context, userID, listID string) error

	CreateList(ctx context.Context, list List) error
	GetList(ctx context.Context, listID string) (List, error)
	DeleteList(ctx context.Context, listID string) error
	AddCollaborator(ctx context.Context, listID, userID string) error
	// RemoveCollaborator reports whether the user was a collaborator.
	RemoveCollaborator(ctx context.Context, listID, userID string) (bool, error)
	// SetListGroup assigns the chat group; a list may only be assigned once.
	SetListGroup(ctx context.Context, listID, groupID string) error
	AddDestination(ctx context.Context, dest Destination) error
	ListDestinations(ctx context.Context, listID string) ([]Destination, error)

	// InsertRequest fails with apperr.ErrConflict when (UserID, FromUserID, ListID) is already pending.
	InsertRequest(ctx context.Context, req CollabRequest) error
	GetRequest(ctx context.Context, userID, requestID string) (CollabRequest, error)
	HasPendingRequest(ctx context.Context, userID, fromUserID, listID string) (bool, error)
	ListRequests(ctx context.Context, userID string) ([]CollabRequest, error)
	// DeleteRequest fails with apperr.ErrNotFound when the request is not in the user's ledger.
	DeleteRequest(ctx context.Context, userID, requestID string) error

	CreateGroup(ctx context.Context, group Group) error
	GetGroup(ctx context.Context, groupID string) (Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	SetGroupLastMessage(ctx context.Context, groupID, messageID string) error

	// InsertMessage appends msg to its group's log and assigns Seq. When msg.ClientID is set
	// and already used in the group, the stored message is returned and created is false.
	InsertMessage(ctx context.Context, msg Message) (stored Message, created bool, err error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// ListMessages returns up to limit messages of the group with Seq < beforeSeq
	// (no bound when beforeSeq is 0), newest first.
	ListMessages(ctx context.Context, groupID string, beforeSeq int64, limit int) ([]Message, error)
	// MarkRead adds userID to ReadBy of the listed messages that belong to groupID and
	// returns the ids that changed.
	MarkRead(ctx context.Context, groupID, userID string, messageIDs []string) ([]string, error)
	SearchMessages(ctx context.Context, groupID, query string, limit int) ([]Message, error)
}

const maxTxAttempts = 5

// retryTx retries attempt while it fails with a transient serialization error.
func retryTx(ctx context.Context, attempt func() error) error {
	var err error
	for i := 0; i < maxTxAttempts; i++ {
		err = attempt()
		if err == nil || !errors.Is(err, errSerialization) {
			return err
		}
		select {
		case <-ctx.Done():
			return apperr.Transient("transaction aborted: %v", ctx.Err())
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return apperr.Transient("transaction conflict after %d attempts: %v", maxTxAttempts, err)
}

// errSerialization marks backend conflicts that are safe to retry.
var errSerialization = errors.New("serialization conflict")

func addUnique(items []string, value string) ([]string, bool) {
	if lo.Contains(items, value) {
		return items, false
	}
	return append(items, value), true
}

func removeValue(items []string, value string) ([]string, bool) {
	if !lo.Contains(items, value) {
		return items, false
	}
	return lo.Without(items, value), true
}
