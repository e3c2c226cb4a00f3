package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"roamlist/api/internal/apperr"
)

var _ GroupLocker = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryTx(ctx, func() error {
		sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return translatePgError("begin tx", err)
		}
		if err := fn(&postgresTx{tx: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return translatePgError("tx", err)
		}
		if err := sqlTx.Commit(); err != nil {
			return translatePgError("commit tx", err)
		}
		return nil
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Transient("database unavailable: %v", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// groupLockClass namespaces group locks away from the migration lock.
const groupLockClass = 7243

// LockGroup takes a session-level advisory lock on a dedicated connection so appends from
// every instance commit and publish one at a time per group.
func (s *PostgresStore) LockGroup(ctx context.Context, groupID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, translatePgError("lock group", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, groupLockClass, groupID); err != nil {
		_ = conn.Close()
		return nil, translatePgError("lock group", err)
	}
	return func() {
		_, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1, hashtext($2))`, groupLockClass, groupID)
		if err != nil {
			// a session still holding the lock must not go back to the pool
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}

const (
	sqlStateSerialization  = "40001"
	sqlStateDeadlock       = "40P01"
	sqlStateUniqueViolated = "23505"
	sqlStateFKViolated     = "23503"
)

// translatePgError maps driver failures onto retryable or transient kinds. Errors that
// already carry an apperr kind pass through untouched.
func translatePgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != nil || errors.Is(err, errSerialization) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerialization, sqlStateDeadlock:
			return fmt.Errorf("%s: %w: %v", op, errSerialization, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.Transient("%s: %v", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) CreateUser(ctx context.Context, user User) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, created_at)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.CreatedAt)
	if pgCode(err) == sqlStateUniqueViolated {
		return apperr.Conflict("email %s already registered", user.Email)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (t *postgresTx) GetUser(ctx context.Context, userID string) (User, error) {
	return t.scanUser(ctx, `SELECT id, email, display_name, created_at FROM users WHERE id=$1`, userID)
}

func (t *postgresTx) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return t.scanUser(ctx, `SELECT id, email, display_name, created_at FROM users WHERE LOWER(email)=LOWER(TRIM($1))`, email)
}

func (t *postgresTx) scanUser(ctx context.Context, query, arg string) (User, error) {
	var user User
	err := t.tx.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("user %s not found", arg)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	listIDs, err := t.queryStrings(ctx, `SELECT list_id FROM user_lists WHERE user_id=$1 ORDER BY added_at, list_id`, user.ID)
	if err != nil {
		return User{}, fmt.Errorf("get user lists: %w", err)
	}
	user.ListIDs = listIDs
	return user, nil
}

func (t *postgresTx) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *postgresTx) AddUserList(ctx context.Context, userID, listID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_lists (user_id, list_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, list_id) DO NOTHING
	`, userID, listID)
	if pgCode(err) == sqlStateFKViolated {
		return apperr.NotFound("user %s not found", userID)
	}
	if err != nil {
		return fmt.Errorf("add user list: %w", err)
	}
	return nil
}

func (t *postgresTx) RemoveUserList(ctx context.Context, userID, listID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM user_lists WHERE user_id=$1 AND list_id=$2`, userID, listID); err != nil {
		return fmt.Errorf("remove user list: %w", err)
	}
	return nil
}

func (t *postgresTx) CreateList(ctx context.Context, list List) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO lists (id, owner_id, title, group_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`, list.ID, list.OwnerID, list.Title, list.GroupID, list.CreatedAt)
	if pgCode(err) == sqlStateFKViolated {
		return apperr.NotFound("user %s not found", list.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return t.AddUserList(ctx, list.OwnerID, list.ID)
}

func (t *postgresTx) GetList(ctx context.Context, listID string) (List, error) {
	var list List
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, owner_id, title, COALESCE(group_id, ''), created_at
		FROM lists
		WHERE id=$1
	`, listID).Scan(&list.ID, &list.OwnerID, &list.Title, &list.GroupID, &list.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return List{}, apperr.NotFound("list %s not found", listID)
	}
	if err != nil {
		return List{}, fmt.Errorf("get list: %w", err)
	}
	collaborators, err := t.queryStrings(ctx, `SELECT user_id FROM list_collaborators WHERE list_id=$1 ORDER BY added_at, user_id`, listID)
	if err != nil {
		return List{}, fmt.Errorf("get collaborators: %w", err)
	}
	list.Collaborators = collaborators
	return list, nil
}

func (t *postgresTx) DeleteList(ctx context.Context, listID string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	return requireAffected(result, "list %s not found", listID)
}

func requireAffected(result sql.Result, format string, args ...any) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound(format, args...)
	}
	return nil
}

func (t *postgresTx) AddCollaborator(ctx context.Context, listID, userID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO list_collaborators (list_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (list_id, user_id) DO NOTHING
	`, listID, userID)
	if pgCode(err) == sqlStateFKViolated {
		return apperr.NotFound("list %s or user %s not found", listID, userID)
	}
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (t *postgresTx) RemoveCollaborator(ctx context.Context, listID, userID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM list_collaborators WHERE list_id=$1 AND user_id=$2`, listID, userID)
	if err != nil {
		return false, fmt.Errorf("remove collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *postgresTx) SetListGroup(ctx context.Context, listID, groupID string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE lists SET group_id=$2 WHERE id=$1 AND group_id IS NULL`, listID, groupID)
	if err != nil {
		return fmt.Errorf("set list group: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := t.GetList(ctx, listID); err != nil {
		return err
	}
	return apperr.Conflict("list %s already has a chat group", listID)
}

func (t *postgresTx) AddDestination(ctx context.Context, dest Destination) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO destinations (id, list_id, name, position)
		VALUES ($1, $2, $3, $4)
	`, dest.ID, dest.ListID, dest.Name, dest.Position)
	if pgCode(err) == sqlStateFKViolated {
		return apperr.NotFound("list %s not found", dest.ListID)
	}
	if err != nil {
		return fmt.Errorf("insert destination: %w", err)
	}
	return nil
}

func (t *postgresTx) ListDestinations(ctx context.Context, listID string) ([]Destination, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, list_id, name, position
		FROM destinations
		WHERE list_id=$1
		ORDER BY position, id
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	items := make([]Destination, 0)
	for rows.Next() {
		var item Destination
		if err := rows.Scan(&item.ID, &item.ListID, &item.Name, &item.Position); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}
	return items, nil
}

func (t *postgresTx) InsertRequest(ctx context.Context, req CollabRequest) error {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO collab_requests (id, user_id, from_user_id, list_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, from_user_id, list_id) DO NOTHING
	`, req.ID, req.UserID, req.FromUserID, req.ListID, req.CreatedAt)
	if pgCode(err) == sqlStateFKViolated {
		return apperr.NotFound("user %s not found", req.UserID)
	}
	if err != nil {
		return fmt.Errorf("insert collab request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.Conflict("invite already sent")
	}
	return nil
}

func (t *postgresTx) GetRequest(ctx context.Context, userID, requestID string) (CollabRequest, error) {
	var req CollabRequest
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, from_user_id, list_id, created_at
		FROM collab_requests
		WHERE user_id=$1 AND id=$2
	`, userID, requestID).Scan(&req.ID, &req.UserID, &req.FromUserID, &req.ListID, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CollabRequest{}, apperr.NotFound("collaboration request %s not found", requestID)
	}
	if err != nil {
		return CollabRequest{}, fmt.Errorf("get collab request: %w", err)
	}
	return req, nil
}

func (t *postgresTx) HasPendingRequest(ctx context.Context, userID, fromUserID, listID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM collab_requests WHERE user_id=$1 AND from_user_id=$2 AND list_id=$3)
	`, userID, fromUserID, listID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending request: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) ListRequests(ctx context.Context, userID string) ([]CollabRequest, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, from_user_id, list_id, created_at
		FROM collab_requests
		WHERE user_id=$1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list collab requests: %w", err)
	}
	defer rows.Close()

	items := make([]CollabRequest, 0)
	for rows.Next() {
		var item CollabRequest
		if err := rows.Scan(&item.ID, &item.UserID, &item.FromUserID, &item.ListID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collab request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collab requests: %w", err)
	}
	return items, nil
}

func (t *postgresTx) DeleteRequest(ctx context.Context, userID, requestID string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM collab_requests WHERE user_id=$1 AND id=$2`, userID, requestID)
	if err != nil {
		return fmt.Errorf("delete collab request: %w", err)
	}
	return requireAffected(result, "collaboration request %s not found", requestID)
}
