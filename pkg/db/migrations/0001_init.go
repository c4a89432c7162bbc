package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Invitation struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email                 string    `gorm:"type:text;not null;index"`
	Action                string    `gorm:"type:text;not null"`
	Token                 string    `gorm:"type:text;uniqueIndex;not null"`
	TemporaryPasswordHash string    `gorm:"type:text;not null"`
	DisplayName           string    `gorm:"type:text;not null;default:''"`
	Phone                 string    `gorm:"type:text;not null;default:''"`
	Status                string    `gorm:"type:text;not null;default:'pending'"`
	IssuedAt              time.Time `gorm:"type:timestamptz;not null;default:now()"`
	ExpiresAt             time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt             time.Time `gorm:"type:timestamptz;not null;default:now();index"`
}

type VerificationCode struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubjectID         string    `gorm:"type:text;not null;index:idx_verification_codes_subject,priority:1"`
	Channel           string    `gorm:"type:text;not null;index:idx_verification_codes_subject,priority:2"`
	CodeHash          []byte    `gorm:"type:bytea;not null"`
	CreatedAt         time.Time `gorm:"type:timestamptz;not null;default:now()"`
	ExpiresAt         time.Time `gorm:"type:timestamptz;not null"`
	AttemptsRemaining int       `gorm:"type:integer;not null"`
	State             string    `gorm:"type:text;not null;default:'live'"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Invitation{},
		&VerificationCode{},
		&Audit{},
	); err != nil {
		return err
	}

	// Partial unique indexes back the one-pending-invitation and one-live-code invariants.
	statements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invitations_pending ON invitations (email, action) WHERE status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_verification_codes_live ON verification_codes (subject_id, channel) WHERE state = 'live'`,
	}
	for _, stmt := range statements {
		if err := gormDB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&VerificationCode{},
		&Invitation{},
	)
}
