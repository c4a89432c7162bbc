// Package directory applies activated accounts to the gorm user table.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frosty308/webapps/services/activation"
	"github.com/frosty308/webapps/services/activation/tokens"
	"github.com/frosty308/webapps/services/ui/api/internal/models"
)

// ErrUnknownAccount is returned when a reset targets an account that does not exist.
var ErrUnknownAccount = errors.New("directory: unknown account")

// Directory implements activation.Directory over gorm.
type Directory struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Directory backed by database.
func New(database *gorm.DB) *Directory {
	return &Directory{db: database, now: time.Now}
}

var _ activation.Directory = (*Directory)(nil)

// Activate creates or activates the account for an accepted invitation. A reset only
// replaces the password of an existing account.
func (d *Directory) Activate(ctx context.Context, acct activation.Account) error {
	now := d.now().UTC()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", acct.Email).
			First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if acct.Action == tokens.ActionReset {
				return ErrUnknownAccount
			}
			user = models.User{
				Email:        acct.Email,
				Name:         acct.DisplayName,
				Phone:        acct.Phone,
				PasswordHash: acct.PasswordHash,
				IsVerified:   true,
				ActivatedAt:  &now,
			}
			return tx.Create(&user).Error
		case err != nil:
			return fmt.Errorf("load account: %w", err)
		}

		updates := map[string]any{
			"password_hash": acct.PasswordHash,
			"is_verified":   true,
		}
		if acct.DisplayName != "" {
			updates["name"] = acct.DisplayName
		}
		if acct.Phone != "" {
			updates["phone"] = acct.Phone
		}
		if user.ActivatedAt == nil {
			updates["activated_at"] = now
		}
		return tx.Model(&user).Updates(updates).Error
	})
}
