package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("fresh store must be empty, got ok=%v err=%v", ok, err)
	}

	want := Tokens{AccessToken: "acc-1", RefreshToken: "ref-1"}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	// Save overwrites in place.
	want = Tokens{AccessToken: "acc-2", RefreshToken: "ref-2"}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _, _ = store.Load(ctx)
	if got != want {
		t.Fatalf("expected rotated tokens %+v, got %+v", want, got)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := store.Load(ctx); ok {
		t.Fatal("cleared store must be empty")
	}
}

func TestFileStoreRoundTripAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := NewFileStore(path)
	ctx := context.Background()

	want := Tokens{AccessToken: "acc-1", RefreshToken: "ref-1"}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("token file must be owner-only, got %v", perm)
		}
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := store.Load(ctx); ok {
		t.Fatal("cleared store must be empty")
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clearing an empty store must be a no-op, got %v", err)
	}
}

func TestFileStoreTreatsCorruptFileAsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	store := NewFileStore(path)
	if _, ok, err := store.Load(context.Background()); err != nil || ok {
		t.Fatalf("corrupt file must read as a miss, got ok=%v err=%v", ok, err)
	}
}
