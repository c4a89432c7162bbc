package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account in the directory. It becomes usable once ActivatedAt is set.
type User struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email        string         `gorm:"type:text;uniqueIndex;not null"`
	Name         string         `gorm:"type:text;not null;default:''"`
	Phone        string         `gorm:"type:text;not null;default:''"`
	PasswordHash string         `gorm:"type:text;not null"`
	IsVerified   bool           `gorm:"not null;default:false"`
	ActivatedAt  *time.Time     `gorm:"type:timestamptz"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}
