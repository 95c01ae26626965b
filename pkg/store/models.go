package store

import "time"

// UserModel is the GORM row backing the User Directory.
type UserModel struct {
	Username  string    `gorm:"primaryKey"`
	Password  string    `gorm:"not null"`
	ChatCount int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}
