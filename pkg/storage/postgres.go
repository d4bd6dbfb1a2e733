package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// PostgresStorage stores identities in PostgreSQL. Embeddings are kept as
// real[] so any dimension fits one schema.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects and ensures the schema exists.
func NewPostgresStorage(ctx context.Context, connString string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Component("storage").Info("Connected to identity database")
	return &PostgresStorage{pool: pool}, nil
}

// initSchema creates the identities table if it doesn't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS identities (
			identity_key TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			embedding REAL[],
			photo BYTEA,
			enrolled_at TIMESTAMPTZ,
			last_verified TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS identities_last_verified_idx ON identities (last_verified);
	`)
	return err
}

const selectIdentity = `
	SELECT identity_key, name, embedding, photo, enrolled_at, last_verified, metadata
	FROM identities`

func scanIdentity(row pgx.Row) (*IdentityRecord, error) {
	var (
		rec          IdentityRecord
		embedding    []float32
		enrolledAt   *time.Time
		lastVerified *time.Time
		metadata     map[string]string
	)
	if err := row.Scan(&rec.Key, &rec.Name, &embedding, &rec.Photo, &enrolledAt, &lastVerified, &metadata); err != nil {
		return nil, err
	}

	if len(embedding) > 0 {
		rec.Embedding = recognition.Embedding(embedding)
	}
	if enrolledAt != nil {
		rec.EnrolledAt = *enrolledAt
	}
	if lastVerified != nil {
		rec.LastVerified = *lastVerified
	}
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	return &rec, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func embeddingOrNull(e recognition.Embedding) []float32 {
	if len(e) == 0 {
		return nil
	}
	return []float32(e)
}

// GetByKey loads a record.
func (s *PostgresStorage) GetByKey(ctx context.Context, key string) (*IdentityRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	rec, err := scanIdentity(s.pool.QueryRow(ctx, selectIdentity+` WHERE identity_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return rec, nil
}

// Update overwrites an existing record.
func (s *PostgresStorage) Update(ctx context.Context, record *IdentityRecord) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE identities
		SET name = $2, embedding = $3, photo = $4, enrolled_at = $5,
		    last_verified = $6, metadata = $7, updated_at = NOW()
		WHERE identity_key = $1
	`, record.Key, record.Name, embeddingOrNull(record.Embedding), record.Photo,
		timePtr(record.EnrolledAt), timePtr(record.LastVerified), metadataOrEmpty(record.Metadata))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// Create stores a new record.
func (s *PostgresStorage) Create(ctx context.Context, record *IdentityRecord) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO identities (identity_key, name, embedding, photo, enrolled_at, last_verified, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_key) DO NOTHING
	`, record.Key, record.Name, embeddingOrNull(record.Embedding), record.Photo,
		timePtr(record.EnrolledAt), timePtr(record.LastVerified), metadataOrEmpty(record.Metadata))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityExists
	}
	return nil
}

// Delete removes a record.
func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE identity_key = $1`, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}

	logging.Component("storage").Infof("Deleted identity: %s", key)
	return nil
}

// List returns every record, ordered by key.
func (s *PostgresStorage) List(ctx context.Context) ([]IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, selectIdentity+` ORDER BY identity_key`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	defer rows.Close()

	records := []IdentityRecord{}
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return records, nil
}

// Reset drops the identities table. Used by integration tests.
func (s *PostgresStorage) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS identities CASCADE`)
	return err
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
