package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"companionchat/internal/pgdb"
	"companionchat/pkg/domain"
)

// GormDirectory implements UserDirectory on Postgres.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory migrates the user table and returns the directory.
func NewGormDirectory(db *gorm.DB) (*GormDirectory, error) {
	if err := pgdb.AutoMigrate(db, &UserModel{}); err != nil {
		return nil, err
	}
	return &GormDirectory{db: db}, nil
}

// GetUser looks up a user by username.
func (s *GormDirectory) GetUser(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateUser inserts with ON CONFLICT DO NOTHING and reports a conflict when
// no row was written.
func (s *GormDirectory) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserExists
	}
	return nil
}

// IncrementChatCount issues UPDATE ... SET chat_count = chat_count + 1 RETURNING chat_count.
func (s *GormDirectory) IncrementChatCount(ctx context.Context, username string) (int64, error) {
	var model UserModel
	res := s.db.WithContext(ctx).
		Model(&model).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "chat_count"}}}).
		Where("username = ?", username).
		UpdateColumns(map[string]any{
			"chat_count": gorm.Expr("chat_count + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrUserNotFound
	}
	return model.ChatCount, nil
}

func userToModel(u domain.User) UserModel {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return UserModel{
		Username:  u.Username,
		Password:  u.Password,
		ChatCount: u.ChatCount,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		Username:  m.Username,
		Password:  m.Password,
		ChatCount: m.ChatCount,
		CreatedAt: m.CreatedAt,
	}
}
