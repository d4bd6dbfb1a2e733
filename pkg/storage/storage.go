// Package storage persists identity records: the enrolled embedding and
// photo for each identity key the kiosk can verify against.
//
// Three backends share one contract: encrypted JSON files (the default for
// a single kiosk), SQLite through gorm, and PostgreSQL through pgx for a
// shared fleet database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// IdentityRecord is one enrollable identity.
type IdentityRecord struct {
	Key          string                `json:"key"`
	Name         string                `json:"name"`
	Embedding    recognition.Embedding `json:"embedding,omitempty"`
	Photo        []byte                `json:"photo,omitempty"`
	EnrolledAt   time.Time             `json:"enrolled_at,omitempty"`
	LastVerified time.Time             `json:"last_verified,omitempty"`
	Metadata     map[string]string     `json:"metadata,omitempty"`
}

// Enrolled reports whether the record carries an embedding.
func (r *IdentityRecord) Enrolled() bool {
	return len(r.Embedding) > 0
}

// Clone returns a deep copy.
func (r *IdentityRecord) Clone() *IdentityRecord {
	out := *r
	out.Embedding = r.Embedding.Clone()
	if r.Photo != nil {
		out.Photo = append([]byte(nil), r.Photo...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Store is the identity store contract. Retries are the caller's concern.
type Store interface {
	GetByKey(ctx context.Context, key string) (*IdentityRecord, error)
	Update(ctx context.Context, record *IdentityRecord) error
	Create(ctx context.Context, record *IdentityRecord) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]IdentityRecord, error)
	Close() error
}

// ErrIdentityNotFound is returned when no record exists for a key.
var ErrIdentityNotFound = errors.New("identity not found")

// ErrIdentityExists is returned when creating a key that already exists.
var ErrIdentityExists = errors.New("identity already exists")

// ErrInvalidKey is returned for keys that cannot be stored safely.
var ErrInvalidKey = errors.New("invalid identity key")

// ErrStorageAccess is returned when storage cannot be accessed.
var ErrStorageAccess = errors.New("failed to access storage")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// ValidateKey rejects empty keys and anything that could escape a
// directory or needs quoting.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend           string
	DataDir           string
	EncryptionEnabled bool
	SQLiteFile        string
	PostgresURL       string
}

// Open creates the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch opts.Backend {
	case BackendFile, "":
		store, err = NewFileStorage(opts.DataDir, opts.EncryptionEnabled)
	case BackendSQLite:
		store, err = NewSQLStorage(opts.SQLiteFile)
	case BackendPostgres:
		store, err = NewPostgresStorage(ctx, opts.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
