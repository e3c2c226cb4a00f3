package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"roamlist/api/internal/apperr"
)

// BadgerStore is the embedded backend. Keys are laid out so that prefix scans answer
// every query:
//
//	user:{id}                         User
//	email:{lower(email)}              user id
//	list:{id}                         badgerList
//	req:{userId}:{reqId}              CollabRequest
//	requniq:{userId}:{fromId}:{list}  request id
//	group:{id}                        Group
//	seq:{groupId}                     last assigned seq (uint64, big endian)
//	msg:{groupId}:{seq 19 digits}     Message
//	msgid:{id}                        msg key
//	msgcid:{groupId}:{clientId}       message id
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryTx(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return apperr.Transient("transaction aborted: %v", err)
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %v", errSerialization, err)
		}
		return err
	})
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return apperr.Transient("badger is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerList struct {
	List
	Destinations []Destination
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) getJSON(key string, target any) error {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, target)
	})
}

func (t *badgerTx) getString(key string) (string, error) {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (t *badgerTx) setJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.txn.Set([]byte(key), raw)
}

func (t *badgerTx) exists(key string) (bool, error) {
	_, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return apperr.NotFound(format, args...)
	}
	return err
}

func (t *badgerTx) CreateUser(_ context.Context, user User) error {
	emailKey := "email:" + strings.ToLower(strings.TrimSpace(user.Email))
	taken, err := t.exists(emailKey)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict("email %s already registered", user.Email)
	}
	if err := t.setJSON("user:"+user.ID, user); err != nil {
		return err
	}
	return t.txn.Set([]byte(emailKey), []byte(user.ID))
}

func (t *badgerTx) GetUser(_ context.Context, userID string) (User, error) {
	var user User
	if err := t.getJSON("user:"+userID, &user); err != nil {
		return User{}, notFoundOr(err, "user %s not found", userID)
	}
	return user, nil
}

func (t *badgerTx) GetUserByEmail(ctx context.Context, email string) (User, error) {
	userID, err := t.getString("email:" + strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return User{}, notFoundOr(err, "no user with email %s", email)
	}
	return t.GetUser(ctx, userID)
}

func (t *badgerTx) AddUserList(ctx context.Context, userID, listID string) error {
	user, err := t.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	updated, changed := addUnique(user.ListIDs, listID)
	if !changed {
		return nil
	}
	user.ListIDs = updated
	return t.setJSON("user:"+userID, user)
}

func (t *badgerTx) RemoveUserList(ctx context.Context, userID, listID string) error {
	user, err := t.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	updated, changed := removeValue(user.ListIDs, listID)
	if !changed {
		return nil
	}
	user.ListIDs = updated
	return t.setJSON("user:"+userID, user)
}

func (t *badgerTx) getList(listID string) (badgerList, error) {
	var rec badgerList
	if err := t.getJSON("list:"+listID, &rec); err != nil {
		return badgerList{}, notFoundOr(err, "list %s not found", listID)
	}
	return rec, nil
}

func (t *badgerTx) CreateList(ctx context.Context, list List) error {
	if err := t.setJSON("list:"+list.ID, badgerList{List: list}); err != nil {
		return err
	}
	return t.AddUserList(ctx, list.OwnerID, list.ID)
}

func (t *badgerTx) GetList(_ context.Context, listID string) (List, error) {
	rec, err := t.getList(listID)
	if err != nil {
		return List{}, err
	}
	return rec.List, nil
}

func (t *badgerTx) DeleteList(_ context.Context, listID string) error {
	if _, err := t.getList(listID); err != nil {
		return err
	}
	return t.txn.Delete([]byte("list:" + listID))
}

func (t *badgerTx) AddCollaborator(_ context.Context, listID, userID string) error {
	rec, err := t.getList(listID)
	if err != nil {
		return err
	}
	updated, changed := addUnique(rec.Collaborators, userID)
	if !changed {
		return nil
	}
	rec.Collaborators = updated
	return t.setJSON("list:"+listID, rec)
}

func (t *badgerTx) RemoveCollaborator(_ context.Context, listID, userID string) (bool, error) {
	rec, err := t.getList(listID)
	if err != nil {
		return false, err
	}
	updated, changed := removeValue(rec.Collaborators, userID)
	if !changed {
		return false, nil
	}
	rec.Collaborators = updated
	return true, t.setJSON("list:"+listID, rec)
}

func (t *badgerTx) SetListGroup(_ context.Context, listID, groupID string) error {
	rec, err := t.getList(listID)
	if err != nil {
		return err
	}
	if rec.GroupID != "" {
		return apperr.Conflict("list %s already has a chat group", listID)
	}
	rec.GroupID = groupID
	return t.setJSON("list:"+listID, rec)
}

func (t *badgerTx) AddDestination(_ context.Context, dest Destination) error {
	rec, err := t.getList(dest.ListID)
	if err != nil {
		return err
	}
	rec.Destinations = append(rec.Destinations, dest)
	return t.setJSON("list:"+dest.ListID, rec)
}

func (t *badgerTx) ListDestinations(_ context.Context, listID string) ([]Destination, error) {
	rec, err := t.getList(listID)
	if err != nil {
		return nil, err
	}
	dests := append([]Destination(nil), rec.Destinations...)
	sort.SliceStable(dests, func(i, j int) bool { return dests[i].Position < dests[j].Position })
	return dests, nil
}

func requestKey(userID, requestID string) string {
	return "req:" + userID + ":" + requestID
}

func requestUniqueKey(userID, fromUserID, listID string) string {
	return "requniq:" + userID + ":" + fromUserID + ":" + listID
}

func (t *badgerTx) InsertRequest(_ context.Context, req CollabRequest) error {
	uniq := requestUniqueKey(req.UserID, req.FromUserID, req.ListID)
	taken, err := t.exists(uniq)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict("invite already sent")
	}
	if err := t.setJSON(requestKey(req.UserID, req.ID), req); err != nil {
		return err
	}
	return t.txn.Set([]byte(uniq), []byte(req.ID))
}

func (t *badgerTx) GetRequest(_ context.Context, userID, requestID string) (CollabRequest, error) {
	var req CollabRequest
	if err := t.getJSON(requestKey(userID, requestID), &req); err != nil {
		return CollabRequest{}, notFoundOr(err, "collaboration request %s not found", requestID)
	}
	return req, nil
}

func (t *badgerTx) HasPendingRequest(_ context.Context, userID, fromUserID, listID string) (bool, error) {
	return t.exists(requestUniqueKey(userID, fromUserID, listID))
}

func (t *badgerTx) ListRequests(_ context.Context, userID string) ([]CollabRequest, error) {
	prefix := []byte("req:" + userID + ":")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []CollabRequest
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var req CollabRequest
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &req)
		}); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *badgerTx) DeleteRequest(ctx context.Context, userID, requestID string) error {
	req, err := t.GetRequest(ctx, userID, requestID)
	if err != nil {
		return err
	}
	if err := t.txn.Delete([]byte(requestKey(userID, requestID))); err != nil {
		return err
	}
	return t.txn.Delete([]byte(requestUniqueKey(req.UserID, req.FromUserID, req.ListID)))
}

func (t *badgerTx) CreateGroup(_ context.Context, group Group) error {
	taken, err := t.exists("group:" + group.ID)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict("group %s already exists", group.ID)
	}
	return t.setJSON("group:"+group.ID, group)
}

func (t *badgerTx) GetGroup(_ context.Context, groupID string) (Group, error) {
	var group Group
	if err := t.getJSON("group:"+groupID, &group); err != nil {
		return Group{}, notFoundOr(err, "group %s not found", groupID)
	}
	return group, nil
}

func (t *badgerTx) AddGroupMember(ctx context.Context, groupID, userID string) error {
	group, err := t.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	updated, changed := addUnique(group.Members, userID)
	if !changed {
		return nil
	}
	group.Members = updated
	return t.setJSON("group:"+groupID, group)
}

func (t *badgerTx) SetGroupLastMessage(ctx context.Context, groupID, messageID string) error {
	group, err := t.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	group.LastMessageID = messageID
	return t.setJSON("group:"+groupID, group)
}

func messagePrefix(groupID string) string {
	return "msg:" + groupID + ":"
}

func messageKey(groupID string, seq int64) string {
	return fmt.Sprintf("%s%019d", messagePrefix(groupID), seq)
}

func (t *badgerTx) nextSeq(groupID string) (int64, error) {
	key := []byte("seq:" + groupID)
	var last uint64
	item, err := t.txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		last = binary.BigEndian.Uint64(raw)
	}
	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := t.txn.Set(key, buf); err != nil {
		return 0, err
	}
	return int64(next), nil
}

func (t *badgerTx) InsertMessage(ctx context.Context, msg Message) (Message, bool, error) {
	if msg.ClientID != "" {
		existingID, err := t.getString("msgcid:" + msg.GroupID + ":" + msg.ClientID)
		if err == nil {
			existing, err := t.GetMessage(ctx, existingID)
			return existing, false, err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return Message{}, false, err
		}
	}
	seq, err := t.nextSeq(msg.GroupID)
	if err != nil {
		return Message{}, false, err
	}
	msg.Seq = seq
	key := messageKey(msg.GroupID, seq)
	if err := t.setJSON(key, msg); err != nil {
		return Message{}, false, err
	}
	if err := t.txn.Set([]byte("msgid:"+msg.ID), []byte(key)); err != nil {
		return Message{}, false, err
	}
	if msg.ClientID != "" {
		if err := t.txn.Set([]byte("msgcid:"+msg.GroupID+":"+msg.ClientID), []byte(msg.ID)); err != nil {
			return Message{}, false, err
		}
	}
	return msg, true, nil
}

func (t *badgerTx) GetMessage(_ context.Context, messageID string) (Message, error) {
	key, err := t.getString("msgid:" + messageID)
	if err != nil {
		return Message{}, notFoundOr(err, "message %s not found", messageID)
	}
	var msg Message
	if err := t.getJSON(key, &msg); err != nil {
		return Message{}, notFoundOr(err, "message %s not found", messageID)
	}
	return msg, nil
}

// scanMessages walks the group's log newest first starting below beforeSeq.
func (t *badgerTx) scanMessages(groupID string, beforeSeq int64, visit func(Message) bool) error {
	prefix := []byte(messagePrefix(groupID))
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	// Reverse seek lands on the largest key <= seek.
	seek := append([]byte(messagePrefix(groupID)), []byte("9999999999999999999")...)
	if beforeSeq > 0 {
		seek = []byte(messageKey(groupID, beforeSeq-1))
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		var msg Message
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}
		if !visit(msg) {
			return nil
		}
	}
	return nil
}

func (t *badgerTx) ListMessages(_ context.Context, groupID string, beforeSeq int64, limit int) ([]Message, error) {
	if beforeSeq == 1 {
		return nil, nil
	}
	var out []Message
	err := t.scanMessages(groupID, beforeSeq, func(msg Message) bool {
		out = append(out, msg)
		return len(out) < limit
	})
	return out, err
}

func (t *badgerTx) MarkRead(_ context.Context, groupID, userID string, messageIDs []string) ([]string, error) {
	var changed []string
	for _, id := range lo.Uniq(messageIDs) {
		key, err := t.getString("msgid:" + id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(key, messagePrefix(groupID)) {
			continue
		}
		var msg Message
		if err := t.getJSON(key, &msg); err != nil {
			return nil, err
		}
		updated, added := addUnique(msg.ReadBy, userID)
		if !added {
			continue
		}
		msg.ReadBy = updated
		if err := t.setJSON(key, msg); err != nil {
			return nil, err
		}
		changed = append(changed, id)
	}
	return changed, nil
}

func (t *badgerTx) SearchMessages(_ context.Context, groupID, query string, limit int) ([]Message, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}
	var out []Message
	err := t.scanMessages(groupID, 0, func(msg Message) bool {
		if strings.Contains(strings.ToLower(msg.Body.Text), needle) {
			out = append(out, msg)
		}
		return len(out) < limit
	})
	return out, err
}
