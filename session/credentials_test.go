package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *CredentialStore {
	t.Helper()
	store, err := NewCredentialStore(filepath.Join(t.TempDir(), "auth"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	return store
}

func TestValidateTenantID(t *testing.T) {
	valid := []string{"u1", "user@example.com", "5f1c-2a", strings.Repeat("x", 128)}
	for _, id := range valid {
		if err := ValidateTenantID(id); err != nil {
			t.Errorf("ValidateTenantID(%q): %v", id, err)
		}
	}
	invalid := []string{"", "   ", ".", "..", "a/b", `a\b`, "a\x00b", strings.Repeat("x", 129)}
	for _, id := range invalid {
		if err := ValidateTenantID(id); !errors.Is(err, ErrInvalidTenant) {
			t.Errorf("ValidateTenantID(%q) = %v, want ErrInvalidTenant", id, err)
		}
	}
}

func TestLoadCreatesDirectory(t *testing.T) {
	store := newTestStore(t)
	creds, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds.Resumable || creds.Account != "" {
		t.Fatalf("fresh tenant should have nothing stored, got %+v", creds)
	}
	fi, err := os.Stat(creds.Dir)
	if err != nil || !fi.IsDir() {
		t.Fatalf("expected credential dir, got %v", err)
	}
	if fi.Mode().Perm() != 0o700 {
		t.Fatalf("credential dir should be private, got %v", fi.Mode().Perm())
	}
}

func TestPersistThenLoad(t *testing.T) {
	store := newTestStore(t)
	creds, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	saver := &fakeTransport{account: "62811@s.whatsapp.net"}
	if err := store.Persist(context.Background(), creds, saver); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if saver.saved != 1 {
		t.Fatal("persist must flush the saver")
	}
	if !creds.Resumable {
		t.Fatal("persist should update the loaded credentials")
	}

	fi, err := os.Stat(filepath.Join(creds.Dir, metaFile))
	if err != nil {
		t.Fatalf("meta file: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("meta file should be private, got %v", fi.Mode().Perm())
	}

	again, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !again.Resumable || again.Account != "62811@s.whatsapp.net" || again.UpdatedAt.IsZero() {
		t.Fatalf("unexpected reloaded credentials %+v", again)
	}
}

func TestPersistSaverError(t *testing.T) {
	store := newTestStore(t)
	creds, _ := store.Load("u1")
	err := store.Persist(context.Background(), creds, &fakeTransport{saveErr: errors.New("locked")})
	if err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("expected saver error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(creds.Dir, metaFile)); !os.IsNotExist(err) {
		t.Fatal("metadata must not be written when the save failed")
	}
}

func TestCorruptMetadataIsNotFatal(t *testing.T) {
	store := newTestStore(t)
	creds, _ := store.Load("u1")
	if err := os.WriteFile(filepath.Join(creds.Dir, metaFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	again, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Resumable {
		t.Fatal("unreadable metadata should not claim resumable credentials")
	}
}

func TestPurgeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load("u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !store.Exists("u1") {
		t.Fatal("expected credentials to exist")
	}
	for i := 0; i < 2; i++ {
		if err := store.Purge("u1"); err != nil {
			t.Fatalf("Purge #%d: %v", i+1, err)
		}
	}
	if store.Exists("u1") {
		t.Fatal("expected credentials to be gone")
	}
	if err := store.Purge(".."); !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
}
