package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/BrandonDHaskell/Portunus/node/internal/db"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
	sqlitestore "github.com/BrandonDHaskell/Portunus/node/internal/portunus/store/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// Read / Write / Delete
// ═══════════════════════════════════════════════════════════════════════════

func TestStore_WriteThenRead(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	if err := s.Write(ctx, "cache/A123", []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(ctx, "cache/A123")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "\x01\x02\x03" {
		t.Errorf("Read = %x, want 010203", got)
	}
}

func TestStore_WriteOverwrites(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_ = s.Write(ctx, "cursor", []byte("old"))
	if err := s.Write(ctx, "cursor", []byte("new")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM records WHERE key = 'cursor'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row for cursor, got %d", count)
	}
	got, _ := s.Read(ctx, "cursor")
	if string(got) != "new" {
		t.Errorf("Read = %q, want new", got)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))

	_, err := s.Read(context.Background(), "cache/nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_ = s.Write(ctx, "queue/00000000000000000001", []byte("e"))
	if err := s.Delete(ctx, "queue/00000000000000000001"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "queue/00000000000000000001"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Read(ctx, "queue/00000000000000000001"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected deleted key to be absent, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// List: prefix scan in key order
// ═══════════════════════════════════════════════════════════════════════════

func TestStore_ListPrefixOrdered(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	for _, k := range []string{
		"queue/00000000000000000010",
		"cache/A123",
		"queue/00000000000000000002",
		"queue_other",
		"queue/00000000000000000001",
	} {
		if err := s.Write(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Write %s: %v", k, err)
		}
	}

	keys, err := s.List(ctx, "queue/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"queue/00000000000000000001",
		"queue/00000000000000000002",
		"queue/00000000000000000010",
	}
	if len(keys) != len(want) {
		t.Fatalf("List = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Commit: atomic groups
// ═══════════════════════════════════════════════════════════════════════════

func TestStore_CommitAppliesAllOps(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_ = s.Write(ctx, "queue/00000000000000000001", []byte("event"))

	err := s.Commit(ctx,
		store.Del("queue/00000000000000000001"),
		store.Put("cursor", []byte("acked=1")),
	)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := s.Read(ctx, "queue/00000000000000000001"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected queue entry removed, got %v", err)
	}
	if got, _ := s.Read(ctx, "cursor"); string(got) != "acked=1" {
		t.Errorf("cursor = %q", got)
	}
}

func TestStore_CommitRollsBackOnCancelledContext(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Commit(ctx, store.Put("cursor", []byte("x"))); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := s.Read(context.Background(), "cursor"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected nothing written, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Durability across reopen
// ═══════════════════════════════════════════════════════════════════════════

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	ctx := context.Background()

	conn, err := db.Open(ctx, db.Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := db.NewWorker(conn)
	if err := sqlitestore.New(conn, w).Write(ctx, "cursor", []byte("v5")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()
	conn.Close()

	conn2, err := db.Open(ctx, db.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer conn2.Close()
	w2 := db.NewWorker(conn2)
	defer w2.Close()

	got, err := sqlitestore.New(conn2, w2).Read(ctx, "cursor")
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(got) != "v5" {
		t.Errorf("Read = %q, want v5", got)
	}
}
