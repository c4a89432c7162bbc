package codes

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frosty308/webapps/pkg/db"
)

// PostgresStore keeps codes in the verification_codes table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func lockSubject(ctx context.Context, tx pgx.Tx, subjectID string, ch Channel) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, subjectID+":"+string(ch))
	return err
}

func (s *PostgresStore) Replace(ctx context.Context, c VerificationCode) error {
	return db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockSubject(ctx, tx, c.SubjectID, c.Channel); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE verification_codes SET state = 'superseded'
			WHERE subject_id = $1 AND channel = $2 AND state = 'live'`,
			c.SubjectID, string(c.Channel)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO verification_codes (id, subject_id, channel, code_hash, created_at, expires_at, attempts_remaining, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID.String(), c.SubjectID, string(c.Channel), c.CodeHash, c.CreatedAt, c.ExpiresAt, c.AttemptsRemaining, string(c.State))
		return err
	})
}

func (s *PostgresStore) Update(ctx context.Context, subjectID string, ch Channel, fn func(*VerificationCode) error) error {
	var fnErr error
	err := db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockSubject(ctx, tx, subjectID, ch); err != nil {
			return err
		}
		var c VerificationCode
		if err := pgxscan.Get(ctx, tx, &c, `
			SELECT id, subject_id, channel, code_hash, created_at, expires_at, attempts_remaining, state
			FROM verification_codes
			WHERE subject_id = $1 AND channel = $2
			ORDER BY created_at DESC LIMIT 1
			FOR UPDATE`, subjectID, string(ch)); err != nil {
			if pgxscan.NotFound(err) {
				return ErrNoCode
			}
			return err
		}

		before := c
		fnErr = fn(&c)
		if c.AttemptsRemaining == before.AttemptsRemaining && c.State == before.State {
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE verification_codes SET attempts_remaining = $2, state = $3 WHERE id = $1`,
			c.ID.String(), c.AttemptsRemaining, string(c.State))
		return err
	})
	if err != nil {
		return err
	}
	return fnErr
}

var _ Store = (*PostgresStore)(nil)
