package tokens

import (
	"context"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frosty308/webapps/pkg/db"
)

const invitationColumns = `id, email, action, token, temporary_password_hash, display_name, phone, status, issued_at, expires_at, updated_at`

// PostgresStore persists invitations in the invitations table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
	cost int
}

// NewPostgresStore returns a Store backed by pool. cost is the bcrypt cost for temporary passwords.
func NewPostgresStore(pool *pgxpool.Pool, cost int) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now, cost: cost}
}

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (Invitation, string, error) {
	p, err := validateCreate(p)
	if err != nil {
		return Invitation{}, "", err
	}
	token, err := NewToken()
	if err != nil {
		return Invitation{}, "", err
	}
	password, err := NewTemporaryPassword()
	if err != nil {
		return Invitation{}, "", err
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return Invitation{}, "", err
	}

	now := s.now().UTC()
	var inv Invitation
	err = db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		// A stale pending row would otherwise hold the partial unique index.
		if _, err := tx.Exec(ctx, `
			UPDATE invitations SET status = 'expired', updated_at = $3
			WHERE email = $1 AND action = $2 AND status = 'pending' AND expires_at < $3`,
			p.Email, string(p.Action), now); err != nil {
			return err
		}
		return pgxscan.Get(ctx, tx, &inv, `
			INSERT INTO invitations (id, email, action, token, temporary_password_hash, display_name, phone, status, issued_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $8)
			RETURNING `+invitationColumns,
			uuid.New(), p.Email, string(p.Action), token, hash, p.DisplayName, p.Phone, now, now.Add(p.TTL))
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Invitation{}, "", ErrConflict
		}
		return Invitation{}, "", err
	}
	return inv, password, nil
}

func (s *PostgresStore) Redeem(ctx context.Context, token string) (Invitation, error) {
	now := s.now().UTC()

	var inv Invitation
	err := db.Get(ctx, s.pool, &inv, `
		UPDATE invitations SET status = 'consumed', updated_at = $2
		WHERE token = $1 AND status = 'pending' AND expires_at >= $2
		RETURNING `+invitationColumns, token, now)
	if err == nil {
		return inv, nil
	}
	if !pgxscan.NotFound(err) {
		return Invitation{}, err
	}

	// The conditional update matched nothing; classify why.
	var cur Invitation
	if err := db.Get(ctx, s.pool, &cur, `SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token); err != nil {
		if pgxscan.NotFound(err) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, err
	}
	if cur.Status == StatusPending && now.After(cur.ExpiresAt) {
		if _, err := db.Exec(ctx, s.pool, `
			UPDATE invitations SET status = 'expired', updated_at = $2
			WHERE id = $1 AND status = 'pending'`, cur.ID, now); err != nil {
			return Invitation{}, err
		}
		return Invitation{}, ErrExpired
	}
	if cur.Status == StatusExpired {
		return Invitation{}, ErrExpired
	}
	return Invitation{}, ErrAlreadyConsumed
}

func (s *PostgresStore) Revoke(ctx context.Context, email string, action Action) error {
	_, err := db.Exec(ctx, s.pool, `
		UPDATE invitations SET status = 'revoked', updated_at = $3
		WHERE email = $1 AND action = $2 AND status = 'pending'`,
		NormalizeEmail(email), string(action), s.now().UTC())
	return err
}

func (s *PostgresStore) Lookup(ctx context.Context, email string, action Action) (Invitation, error) {
	var inv Invitation
	err := db.Get(ctx, s.pool, &inv, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE email = $1 AND action = $2
		ORDER BY issued_at DESC LIMIT 1`, NormalizeEmail(email), string(action))
	if err != nil {
		if pgxscan.NotFound(err) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, err
	}
	return inv, nil
}

func (s *PostgresStore) Peek(ctx context.Context, token string) (Invitation, error) {
	var inv Invitation
	err := db.Get(ctx, s.pool, &inv, `SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, err
	}
	return inv, nil
}

func (s *PostgresStore) Terminal(ctx context.Context, before time.Time, limit int) ([]Invitation, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []Invitation
	err := db.Select(ctx, s.pool, &out, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE status <> 'pending' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, before.UTC(), limit)
	return out, err
}

func (s *PostgresStore) Purge(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	tag, err := db.Exec(ctx, s.pool, `DELETE FROM invitations WHERE id = ANY($1::uuid[]) AND status <> 'pending'`, keys)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
