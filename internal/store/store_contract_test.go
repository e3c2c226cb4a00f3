package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roamlist/api/internal/apperr"
)

func openBadgerForTest(t *testing.T) Store {
	t.Helper()
	s, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openPostgresForTest(t *testing.T) Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ROAMLIST_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ROAMLIST_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStoreContract(t *testing.T) {
	runStoreContract(t, openBadgerForTest)
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, openPostgresForTest)
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("users and lists", func(t *testing.T) { testUsersAndLists(t, open(t)) })
	t.Run("requests", func(t *testing.T) { testRequests(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, open(t)) })
	t.Run("mark read", func(t *testing.T) { testMarkRead(t, open(t)) })
}

func seedUsers(t *testing.T, s Store, ids ...string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		for _, id := range ids {
			if err := tx.CreateUser(context.Background(), User{
				ID:          id,
				Email:       id + "@example.com",
				DisplayName: strings.ToUpper(id[:1]) + id[1:],
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}
}

func testUsersAndLists(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob")

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateList(ctx, List{ID: "list-1", OwnerID: "alice", Title: "Lisbon", CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		if err := tx.AddDestination(ctx, Destination{ID: "d2", ListID: "list-1", Name: "Belem", Position: 2}); err != nil {
			return err
		}
		return tx.AddDestination(ctx, Destination{ID: "d1", ListID: "list-1", Name: "Alfama", Position: 1})
	})
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateUser(ctx, User{ID: "alice2", Email: "ALICE@example.com", CreatedAt: time.Now().UTC()})
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate email: got %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		for i := 0; i < 2; i++ {
			if err := tx.AddCollaborator(ctx, "list-1", "bob"); err != nil {
				return err
			}
			if err := tx.AddUserList(ctx, "bob", "list-1"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("add collaborator twice: %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		list, err := tx.GetList(ctx, "list-1")
		if err != nil {
			return err
		}
		if len(list.Collaborators) != 1 || list.Collaborators[0] != "bob" {
			return fmt.Errorf("collaborators = %v", list.Collaborators)
		}
		bob, err := tx.GetUserByEmail(ctx, " Bob@Example.com ")
		if err != nil {
			return err
		}
		if len(bob.ListIDs) != 1 || bob.ListIDs[0] != "list-1" {
			return fmt.Errorf("bob lists = %v", bob.ListIDs)
		}
		dests, err := tx.ListDestinations(ctx, "list-1")
		if err != nil {
			return err
		}
		if len(dests) != 2 || dests[0].Name != "Alfama" {
			return fmt.Errorf("destinations = %+v", dests)
		}
		removed, err := tx.RemoveCollaborator(ctx, "list-1", "bob")
		if err != nil || !removed {
			return fmt.Errorf("remove collaborator: removed=%v err=%v", removed, err)
		}
		removed, err = tx.RemoveCollaborator(ctx, "list-1", "bob")
		if err != nil || removed {
			return fmt.Errorf("second remove: removed=%v err=%v", removed, err)
		}
		if err := tx.SetListGroup(ctx, "list-1", "g-1"); err != nil {
			return err
		}
		if err := tx.SetListGroup(ctx, "list-1", "g-2"); !errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("second group assignment: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetList(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("missing list: %v", err)
		}
		if _, err := tx.GetUser(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("missing user: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testRequests(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob")
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertRequest(ctx, CollabRequest{ID: "r1", UserID: "bob", FromUserID: "alice", ListID: "l1", CreatedAt: now}); err != nil {
			return err
		}
		return tx.InsertRequest(ctx, CollabRequest{ID: "r2", UserID: "bob", FromUserID: "alice", ListID: "l2", CreatedAt: now.Add(time.Second)})
	})
	if err != nil {
		t.Fatalf("insert requests: %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertRequest(ctx, CollabRequest{ID: "r3", UserID: "bob", FromUserID: "alice", ListID: "l1", CreatedAt: now})
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate request: got %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		pending, err := tx.HasPendingRequest(ctx, "bob", "alice", "l1")
		if err != nil || !pending {
			return fmt.Errorf("pending l1: %v %v", pending, err)
		}
		items, err := tx.ListRequests(ctx, "bob")
		if err != nil {
			return err
		}
		if len(items) != 2 || items[0].ID != "r1" || items[1].ID != "r2" {
			return fmt.Errorf("requests = %+v", items)
		}
		if _, err := tx.GetRequest(ctx, "alice", "r1"); !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("request read through another ledger: %v", err)
		}
		if err := tx.DeleteRequest(ctx, "bob", "r1"); err != nil {
			return err
		}
		if err := tx.DeleteRequest(ctx, "bob", "r1"); !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("second delete: %v", err)
		}
		pending, err = tx.HasPendingRequest(ctx, "bob", "alice", "l1")
		if err != nil || pending {
			return fmt.Errorf("pending after delete: %v %v", pending, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A deleted request frees its slot.
	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertRequest(ctx, CollabRequest{ID: "r4", UserID: "bob", FromUserID: "alice", ListID: "l1", CreatedAt: now})
	})
	if err != nil {
		t.Fatalf("reinsert request: %v", err)
	}
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateList(ctx, List{ID: "list-1", OwnerID: "alice", CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		if err := tx.AddUserList(ctx, "bob", "list-1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetList(ctx, "list-1"); !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("list survived rollback: %v", err)
		}
		bob, err := tx.GetUser(ctx, "bob")
		if err != nil {
			return err
		}
		if len(bob.ListIDs) != 0 {
			return fmt.Errorf("bob lists survived rollback: %v", bob.ListIDs)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedGroup(t *testing.T, s Store) {
	t.Helper()
	seedUsers(t, s, "alice", "bob")
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreateGroup(context.Background(), Group{
			ID:        "g-1",
			ListID:    "list-1",
			Members:   []string{"alice", "bob"},
			Admins:    []string{"alice"},
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
}

func testMessages(t *testing.T, s Store) {
	ctx := context.Background()
	seedGroup(t, s)

	var firstID string
	err := s.WithTx(ctx, func(tx Tx) error {
		for i := 1; i <= 5; i++ {
			msg, created, err := tx.InsertMessage(ctx, Message{
				ID:        fmt.Sprintf("m%d", i),
				GroupID:   "g-1",
				AuthorID:  "alice",
				ClientID:  fmt.Sprintf("c%d", i),
				Body:      MessageBody{Text: fmt.Sprintf("hello %d", i)},
				ReadBy:    []string{"alice"},
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("message %d not created", i)
			}
			if i == 1 {
				firstID = msg.ID
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert messages: %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		dup, created, err := tx.InsertMessage(ctx, Message{
			ID:       "m-dup",
			GroupID:  "g-1",
			AuthorID: "alice",
			ClientID: "c1",
			Body:     MessageBody{Text: "retry"},
		})
		if err != nil {
			return err
		}
		if created || dup.ID != firstID || dup.Body.Text != "hello 1" {
			return fmt.Errorf("duplicate client id: created=%v msg=%+v", created, dup)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		newest, err := tx.ListMessages(ctx, "g-1", 0, 2)
		if err != nil {
			return err
		}
		if len(newest) != 2 || newest[0].ID != "m5" || newest[1].ID != "m4" {
			return fmt.Errorf("newest page = %v", messageIDs(newest))
		}
		older, err := tx.ListMessages(ctx, "g-1", newest[1].Seq, 10)
		if err != nil {
			return err
		}
		if got := strings.Join(messageIDs(older), ","); got != "m3,m2,m1" {
			return fmt.Errorf("older page = %s", got)
		}
		hits, err := tx.SearchMessages(ctx, "g-1", "HELLO 3", 50)
		if err != nil {
			return err
		}
		if len(hits) != 1 || hits[0].ID != "m3" {
			return fmt.Errorf("search hits = %v", messageIDs(hits))
		}
		got, err := tx.GetMessage(ctx, "m2")
		if err != nil {
			return err
		}
		if len(got.ReadBy) != 1 || got.ReadBy[0] != "alice" {
			return fmt.Errorf("readBy = %v", got.ReadBy)
		}
		if _, err := tx.GetMessage(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("missing message: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testMarkRead(t *testing.T, s Store) {
	ctx := context.Background()
	seedGroup(t, s)

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateGroup(ctx, Group{ID: "g-2", ListID: "list-2", Members: []string{"alice"}, Admins: []string{"alice"}, CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		for _, m := range []Message{
			{ID: "a1", GroupID: "g-1", AuthorID: "alice", Body: MessageBody{Text: "one"}, ReadBy: []string{"alice"}},
			{ID: "a2", GroupID: "g-1", AuthorID: "alice", Body: MessageBody{Text: "two"}, ReadBy: []string{"alice"}},
			{ID: "b1", GroupID: "g-2", AuthorID: "alice", Body: MessageBody{Text: "other"}, ReadBy: []string{"alice"}},
		} {
			m.CreatedAt = time.Now().UTC()
			if _, _, err := tx.InsertMessage(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed messages: %v", err)
	}

	var changed []string
	err = s.WithTx(ctx, func(tx Tx) error {
		var err error
		changed, err = tx.MarkRead(ctx, "g-1", "bob", []string{"a1", "a2", "a1", "b1", "missing"})
		return err
	})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want a1 and a2", changed)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		again, err := tx.MarkRead(ctx, "g-1", "bob", []string{"a1"})
		if err != nil {
			return err
		}
		if len(again) != 0 {
			return fmt.Errorf("second mark read changed %v", again)
		}
		other, err := tx.GetMessage(ctx, "b1")
		if err != nil {
			return err
		}
		if len(other.ReadBy) != 1 {
			return fmt.Errorf("message from another group was marked: %v", other.ReadBy)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func messageIDs(items []Message) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestPostgresLockGroupSerializesGroup(t *testing.T) {
	s := openPostgresForTest(t).(*PostgresStore)
	ctx := context.Background()

	release, err := s.LockGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("LockGroup(g1) error = %v", err)
	}

	other, err := s.LockGroup(ctx, "g2")
	if err != nil {
		t.Fatalf("LockGroup(g2) while g1 held: %v", err)
	}
	other()

	acquired := make(chan func(), 1)
	go func() {
		next, err := s.LockGroup(ctx, "g1")
		if err != nil {
			t.Errorf("second LockGroup(g1) error = %v", err)
			close(acquired)
			return
		}
		acquired <- next
	}()
	select {
	case <-acquired:
		t.Fatal("g1 locked twice at once")
	case <-time.After(200 * time.Millisecond):
	}

	release()
	select {
	case next, ok := <-acquired:
		if ok {
			next()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("g1 lock not handed over after release")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	hold, err := s.LockGroup(ctx, "g3")
	if err != nil {
		t.Fatalf("LockGroup(g3) error = %v", err)
	}
	defer hold()
	if _, err := s.LockGroup(waitCtx, "g3"); err == nil {
		t.Fatal("LockGroup(g3) succeeded while held")
	}
}
