package db

import (
	"context"

	"gorm.io/gorm"

	"github.com/frosty308/webapps/services/ui/api/internal/models"
)

// Migrate performs schema migrations for the directory models.
func Migrate(ctx context.Context, database *gorm.DB) error {
	return database.WithContext(ctx).AutoMigrate(&models.User{})
}
