package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// backends returns a fresh instance of every backend that can run here.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}

	plain, err := NewFileStorage(filepath.Join(t.TempDir(), "plain"), false)
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	out["file"] = plain

	sealed, err := NewFileStorage(filepath.Join(t.TempDir(), "sealed"), true)
	if err != nil {
		t.Fatalf("NewFileStorage (encrypted) failed: %v", err)
	}
	out["file-encrypted"] = sealed

	sqlStore, err := NewSQLStorage(filepath.Join(t.TempDir(), "db", "identities.db"))
	if err != nil {
		t.Fatalf("NewSQLStorage failed: %v", err)
	}
	out["sqlite"] = sqlStore

	if url := os.Getenv("FACEGATE_TEST_POSTGRES_URL"); url != "" {
		pg, err := NewPostgresStorage(context.Background(), url)
		if err != nil {
			t.Fatalf("NewPostgresStorage failed: %v", err)
		}
		if err := pg.Reset(context.Background()); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		pg.Close()
		pg, err = NewPostgresStorage(context.Background(), url)
		if err != nil {
			t.Fatalf("NewPostgresStorage failed: %v", err)
		}
		out["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func testEmbedding(dim int, seed float32) recognition.Embedding {
	e := make(recognition.Embedding, dim)
	for i := range e {
		e[i] = seed + float32(i)/1000.0
	}
	return e
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	enrolled := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := &IdentityRecord{
				Key:        "alice",
				Name:       "Alice Example",
				Embedding:  testEmbedding(128, 0.1),
				Photo:      []byte{0xff, 0xd8, 0xff, 0xe0},
				EnrolledAt: enrolled,
				Metadata:   map[string]string{"badge": "A-17"},
			}
			if err := s.Create(ctx, rec); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			got, err := s.GetByKey(ctx, "alice")
			if err != nil {
				t.Fatalf("GetByKey failed: %v", err)
			}
			if got.Name != rec.Name {
				t.Errorf("name = %q, want %q", got.Name, rec.Name)
			}
			if len(got.Embedding) != 128 || got.Embedding[5] != rec.Embedding[5] {
				t.Errorf("embedding not preserved: len=%d", len(got.Embedding))
			}
			if string(got.Photo) != string(rec.Photo) {
				t.Errorf("photo = %x, want %x", got.Photo, rec.Photo)
			}
			if !got.EnrolledAt.Equal(enrolled) {
				t.Errorf("enrolled_at = %v, want %v", got.EnrolledAt, enrolled)
			}
			if !got.LastVerified.IsZero() {
				t.Errorf("last_verified = %v, want zero", got.LastVerified)
			}
			if got.Metadata["badge"] != "A-17" {
				t.Error("metadata not preserved")
			}
			if !got.Enrolled() {
				t.Error("record should report enrolled")
			}
		})
	}
}

func TestStore_CreateWithoutEmbedding(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create(ctx, &IdentityRecord{Key: "new.user@site", Name: "New"}); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			got, err := s.GetByKey(ctx, "new.user@site")
			if err != nil {
				t.Fatalf("GetByKey failed: %v", err)
			}
			if got.Enrolled() || len(got.Embedding) != 0 {
				t.Errorf("unenrolled record came back with %d values", len(got.Embedding))
			}
			if !got.EnrolledAt.IsZero() {
				t.Errorf("enrolled_at = %v, want zero", got.EnrolledAt)
			}
		})
	}
}

func TestStore_CreateExisting(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create(ctx, &IdentityRecord{Key: "bob"}); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			err := s.Create(ctx, &IdentityRecord{Key: "bob", Name: "other"})
			if !errors.Is(err, ErrIdentityExists) {
				t.Errorf("second Create = %v, want ErrIdentityExists", err)
			}
		})
	}
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	verified := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create(ctx, &IdentityRecord{Key: "carol", Name: "Carol"}); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			rec, err := s.GetByKey(ctx, "carol")
			if err != nil {
				t.Fatalf("GetByKey failed: %v", err)
			}
			rec.Embedding = testEmbedding(512, 0.2)
			rec.LastVerified = verified
			if err := s.Update(ctx, rec); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			got, err := s.GetByKey(ctx, "carol")
			if err != nil {
				t.Fatalf("GetByKey failed: %v", err)
			}
			if len(got.Embedding) != 512 {
				t.Errorf("embedding len = %d, want 512", len(got.Embedding))
			}
			if !got.LastVerified.Equal(verified) {
				t.Errorf("last_verified = %v, want %v", got.LastVerified, verified)
			}

			// Clearing fields must persist too.
			got.Name = ""
			got.Embedding = nil
			if err := s.Update(ctx, got); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			cleared, err := s.GetByKey(ctx, "carol")
			if err != nil {
				t.Fatalf("GetByKey failed: %v", err)
			}
			if cleared.Name != "" || cleared.Enrolled() {
				t.Errorf("fields not cleared: name=%q enrolled=%v", cleared.Name, cleared.Enrolled())
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetByKey(ctx, "ghost"); !errors.Is(err, ErrIdentityNotFound) {
				t.Errorf("GetByKey = %v, want ErrIdentityNotFound", err)
			}
			if err := s.Update(ctx, &IdentityRecord{Key: "ghost"}); !errors.Is(err, ErrIdentityNotFound) {
				t.Errorf("Update = %v, want ErrIdentityNotFound", err)
			}
			if err := s.Delete(ctx, "ghost"); !errors.Is(err, ErrIdentityNotFound) {
				t.Errorf("Delete = %v, want ErrIdentityNotFound", err)
			}
		})
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			records, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(records) != 0 {
				t.Fatalf("expected empty store, got %d", len(records))
			}

			for _, key := range []string{"charlie", "alice", "bob"} {
				if err := s.Create(ctx, &IdentityRecord{Key: key, Embedding: testEmbedding(4, 0)}); err != nil {
					t.Fatalf("Create %s failed: %v", key, err)
				}
			}
			if err := s.Delete(ctx, "bob"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			records, err = s.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(records) != 2 || records[0].Key != "alice" || records[1].Key != "charlie" {
				t.Errorf("List = %+v, want [alice charlie]", keys(records))
			}
		})
	}
}

func TestStore_InvalidKey(t *testing.T) {
	ctx := context.Background()
	bad := []string{"", ".", "..", "../etc/passwd", "a/b", "with space", "-leading"}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range bad {
				if _, err := s.GetByKey(ctx, key); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("GetByKey(%q) = %v, want ErrInvalidKey", key, err)
				}
				if err := s.Create(ctx, &IdentityRecord{Key: key}); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Create(%q) = %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}

func keys(records []IdentityRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key
	}
	return out
}

func TestFileStorage_EncryptedOnDisk(t *testing.T) {
	tmpDir := t.TempDir()
	fs, err := NewFileStorage(tmpDir, true)
	if err != nil {
		t.Fatalf("failed to create encrypted storage: %v", err)
	}

	if err := fs.Create(context.Background(), &IdentityRecord{Key: "sealed", Name: "S"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "identities", "sealed.enc"))
	if err != nil {
		t.Fatalf("failed to read encrypted file: %v", err)
	}
	// First byte should not be '{' if encrypted
	if len(data) > 0 && data[0] == '{' {
		t.Error("file does not appear to be encrypted")
	}

	// A plaintext store over the same directory does not see sealed records.
	plain, err := NewFileStorage(tmpDir, false)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	records, err := plain.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("plaintext store listed %d sealed records", len(records))
	}
}

func TestFileStorage_RespectsCancelledContext(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir(), false)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fs.GetByKey(ctx, "alice"); !errors.Is(err, context.Canceled) {
		t.Errorf("GetByKey = %v, want context.Canceled", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir(), true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	plaintext := []byte("This is a test message for encryption")

	ciphertext, err := fs.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := fs.decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("decrypted text doesn't match: got %s, want %s", string(decrypted), string(plaintext))
	}
}

func TestDecrypt_InvalidData(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir(), true)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	// Too short
	if _, err := fs.decrypt([]byte("short")); err != ErrEncryption {
		t.Errorf("expected ErrEncryption for short data, got %v", err)
	}

	// Invalid ciphertext
	if _, err := fs.decrypt(make([]byte, 100)); err != ErrEncryption {
		t.Errorf("expected ErrEncryption for invalid data, got %v", err)
	}
}

func TestIdentityRecord_Clone(t *testing.T) {
	orig := &IdentityRecord{
		Key:       "k",
		Embedding: testEmbedding(3, 1),
		Photo:     []byte{1, 2},
		Metadata:  map[string]string{"a": "b"},
	}
	c := orig.Clone()
	c.Embedding[0] = 99
	c.Photo[0] = 99
	c.Metadata["a"] = "z"

	if orig.Embedding[0] == 99 || orig.Photo[0] == 99 || orig.Metadata["a"] != "b" {
		t.Error("Clone shares memory with the original")
	}
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"default file", Options{DataDir: tmpDir}, false},
		{"sqlite", Options{Backend: BackendSQLite, SQLiteFile: filepath.Join(tmpDir, "x.db")}, false},
		{"unknown", Options{Backend: "redis"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

func BenchmarkFileStorage_GetByKey(b *testing.B) {
	fs, _ := NewFileStorage(b.TempDir(), false)
	_ = fs.Create(context.Background(), &IdentityRecord{Key: "benchuser", Embedding: testEmbedding(512, 0)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = fs.GetByKey(context.Background(), "benchuser")
	}
}

func BenchmarkEncryptDecrypt(b *testing.B) {
	fs, _ := NewFileStorage(b.TempDir(), true)
	data := []byte("benchmark encryption data that is reasonably sized")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		encrypted, _ := fs.encrypt(data)
		_, _ = fs.decrypt(encrypted)
	}
}
