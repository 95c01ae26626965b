package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"companionchat/internal/pgdb"
)

// ObjectModel holds one JSON object keyed like an S3 object.
type ObjectModel struct {
	Key         string         `gorm:"primaryKey"`
	Body        datatypes.JSON `gorm:"type:jsonb;not null"`
	ContentType string         `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

// GormObjectStore is an ObjectStore on Postgres for deployments without
// S3-compatible storage. Only JSON bodies are accepted.
type GormObjectStore struct {
	db *gorm.DB
}

// NewGormObjectStore migrates the object table and returns the store.
func NewGormObjectStore(db *gorm.DB) (*GormObjectStore, error) {
	if err := pgdb.AutoMigrate(db, &ObjectModel{}); err != nil {
		return nil, err
	}
	return &GormObjectStore{db: db}, nil
}

// Put upserts the object body.
func (s *GormObjectStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	if !json.Valid(body) {
		return fmt.Errorf("put object %q: body is not valid JSON", key)
	}
	model := ObjectModel{
		Key:         key,
		Body:        datatypes.JSON(body),
		ContentType: contentType,
		UpdatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "content_type", "updated_at"}),
	}).Create(&model).Error
}

// Get returns the stored body or ErrObjectNotFound.
func (s *GormObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	var model ObjectModel
	if err := s.db.WithContext(ctx).First(&model, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return []byte(model.Body), nil
}

// Delete removes the object row.
func (s *GormObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&ObjectModel{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
