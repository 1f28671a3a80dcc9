package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, "tok-first")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero row id")
	}

	rec, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Token != "tok-first" {
		t.Errorf("Token: got %q, want %q", rec.Token, "tok-first")
	}
	if rec.Archived {
		t.Error("new row should not be archived")
	}
	if rec.CreatedAt == 0 || rec.UpdatedAt == 0 || rec.LastAccess == 0 {
		t.Error("timestamps should be set on insert")
	}
}

func TestLatestEmpty(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Latest(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "tok-dup"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := s.Insert(ctx, "tok-dup")
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("expected ErrConstraint, got %v", err)
	}
}

func TestTokenLengthCheck(t *testing.T) {
	s := newTestStore(t)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err := s.Insert(context.Background(), string(long))
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("expected ErrConstraint for oversized token, got %v", err)
	}
}

func TestReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "tok-old"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, _ := s.Latest(ctx)

	time.Sleep(2 * time.Millisecond)
	if err := s.Replace(ctx, "tok-old", "tok-new"); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	rec, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Token != "tok-new" {
		t.Errorf("Token: got %q, want %q", rec.Token, "tok-new")
	}
	if rec.ID != before.ID {
		t.Errorf("Replace should overwrite in place, row id changed %d -> %d", before.ID, rec.ID)
	}
	if rec.CreatedAt <= before.CreatedAt {
		t.Error("Replace should refresh created_at")
	}

	// Exactly one row total: rotation overwrites, it never appends.
	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("row count: got %d, want 1", len(all))
	}
}

func TestReplaceConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "tok-current"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// A rotation keyed on a stale expected value must fail, not clobber.
	err := s.Replace(ctx, "tok-stale", "tok-other")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for stale expected token, got %v", err)
	}

	rec, _ := s.Latest(ctx)
	if rec.Token != "tok-current" {
		t.Errorf("current token should be untouched, got %q", rec.Token)
	}
}

func TestArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "tok-bye"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Archive(ctx, "tok-bye"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	// Archived rows are invisible to active lookups.
	if _, err := s.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after archive, got %v", err)
	}
	active, _ := s.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("active rows after archive: got %d, want 0", len(active))
	}

	// But retained for audit.
	all, _ := s.ListAll(ctx)
	if len(all) != 1 || !all[0].Archived {
		t.Errorf("archived row should remain in ListAll output: %+v", all)
	}

	// Double-archive is a no-op, not an error.
	if err := s.Archive(ctx, "tok-bye"); err != nil {
		t.Errorf("second Archive should be a no-op, got %v", err)
	}
	// Same for a token that never existed.
	if err := s.Archive(ctx, "tok-ghost"); err != nil {
		t.Errorf("Archive of unknown token should be a no-op, got %v", err)
	}
}

func TestArchiveBySuffix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "eyJhbGciOiJIUzI1NiJ9.payload.sigtail1"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := s.ArchiveBySuffix(ctx, "sigtail1")
	if err != nil {
		t.Fatalf("ArchiveBySuffix: %v", err)
	}
	if n != 1 {
		t.Errorf("rows archived: got %d, want 1", n)
	}

	n, err = s.ArchiveBySuffix(ctx, "nomatch")
	if err != nil {
		t.Fatalf("ArchiveBySuffix: %v", err)
	}
	if n != 0 {
		t.Errorf("rows archived for unknown suffix: got %d, want 0", n)
	}
}

func TestTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "tok-touch"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, _ := s.Latest(ctx)

	time.Sleep(2 * time.Millisecond)
	if err := s.Touch(ctx, "tok-touch"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	after, _ := s.Latest(ctx)
	if after.LastAccess <= before.LastAccess {
		t.Error("Touch should advance last_access")
	}
	if after.CreatedAt != before.CreatedAt {
		t.Error("Touch must not change created_at")
	}

	if err := s.Touch(ctx, "tok-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch of unknown token: expected ErrNotFound, got %v", err)
	}
}

func TestCountActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountActive(ctx)
	if err != nil || n != 0 {
		t.Fatalf("CountActive empty: got %d, %v", n, err)
	}

	s.Insert(ctx, "tok-a")
	n, _ = s.CountActive(ctx)
	if n != 1 {
		t.Errorf("CountActive: got %d, want 1", n)
	}

	s.Archive(ctx, "tok-a")
	n, _ = s.CountActive(ctx)
	if n != 0 {
		t.Errorf("CountActive after archive: got %d, want 0", n)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "instance_id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unset key, got %v", err)
	}

	if err := s.SetSetting(ctx, "instance_id", "abc"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting(ctx, "instance_id")
	if err != nil || v != "abc" {
		t.Fatalf("GetSetting: got %q, %v", v, err)
	}

	// Upsert overwrites.
	if err := s.SetSetting(ctx, "instance_id", "def"); err != nil {
		t.Fatalf("SetSetting upsert: %v", err)
	}
	v, _ = s.GetSetting(ctx, "instance_id")
	if v != "def" {
		t.Errorf("GetSetting after upsert: got %q, want %q", v, "def")
	}
}
