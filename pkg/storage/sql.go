package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// identityRow is the gorm model behind SQLStorage.
type identityRow struct {
	Key          string                       `gorm:"column:identity_key;primaryKey;size:128"`
	Name         string                       `gorm:"not null;default:''"`
	Embedding    datatypes.JSONSlice[float32] `gorm:"type:json"`
	Photo        []byte
	EnrolledAt   *time.Time
	LastVerified *time.Time                            `gorm:"index"`
	Metadata     datatypes.JSONType[map[string]string] `gorm:"type:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (identityRow) TableName() string {
	return "identities"
}

func rowFromRecord(r *IdentityRecord) identityRow {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return identityRow{
		Key:          r.Key,
		Name:         r.Name,
		Embedding:    datatypes.JSONSlice[float32](r.Embedding),
		Photo:        r.Photo,
		EnrolledAt:   timePtr(r.EnrolledAt),
		LastVerified: timePtr(r.LastVerified),
		Metadata:     datatypes.NewJSONType(meta),
	}
}

func (row identityRow) record() *IdentityRecord {
	rec := &IdentityRecord{
		Key:   row.Key,
		Name:  row.Name,
		Photo: row.Photo,
	}
	if len(row.Embedding) > 0 {
		rec.Embedding = recognition.Embedding(row.Embedding)
	}
	if row.EnrolledAt != nil {
		rec.EnrolledAt = *row.EnrolledAt
	}
	if row.LastVerified != nil {
		rec.LastVerified = *row.LastVerified
	}
	if meta := row.Metadata.Data(); len(meta) > 0 {
		rec.Metadata = meta
	}
	return rec
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SQLStorage stores identities in SQLite through gorm.
type SQLStorage struct {
	db *gorm.DB
}

// NewSQLStorage opens (and migrates) the SQLite database at path.
func NewSQLStorage(path string) (*SQLStorage, error) {
	log := logging.Component("storage")

	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLogger := logger.New(
		logging.Logger,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Opening identity database: %s", path)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	// SQLite allows a single writer.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&identityRow{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLStorage{db: db}, nil
}

// GetByKey loads a record.
func (s *SQLStorage) GetByKey(ctx context.Context, key string) (*IdentityRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var row identityRow
	err := s.db.WithContext(ctx).First(&row, "identity_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return row.record(), nil
}

// Update overwrites an existing record, including zero values.
func (s *SQLStorage) Update(ctx context.Context, record *IdentityRecord) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	row := rowFromRecord(record)
	row.UpdatedAt = time.Now()

	res := s.db.WithContext(ctx).
		Model(&identityRow{}).
		Where("identity_key = ?", record.Key).
		Select("Name", "Embedding", "Photo", "EnrolledAt", "LastVerified", "Metadata", "UpdatedAt").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// Create stores a new record.
func (s *SQLStorage) Create(ctx context.Context, record *IdentityRecord) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&identityRow{}).Where("identity_key = ?", record.Key).Count(&count).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStorageAccess, err)
		}
		if count > 0 {
			return ErrIdentityExists
		}

		row := rowFromRecord(record)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStorageAccess, err)
		}
		return nil
	})
}

// Delete removes a record.
func (s *SQLStorage) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Delete(&identityRow{}, "identity_key = ?", key)
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrIdentityNotFound
	}

	logging.Component("storage").Infof("Deleted identity: %s", key)
	return nil
}

// List returns every record, ordered by key.
func (s *SQLStorage) List(ctx context.Context) ([]IdentityRecord, error) {
	var rows []identityRow
	if err := s.db.WithContext(ctx).Order("identity_key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	records := make([]IdentityRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, *row.record())
	}
	return records, nil
}

// Close closes the underlying connection pool.
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
