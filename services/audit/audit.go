// Package audit records activation events from the bus into the audit table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/frosty308/webapps/pkg/db"
	"github.com/frosty308/webapps/services/activation"
)

const (
	durable = "audit-activation"
	// Stream holds activation events.
	Stream = "WEBAPPS_ACTIVATION"
)

// Entry is one row of the audit table.
type Entry struct {
	ID      int64             `db:"id" json:"id"`
	Actor   string            `db:"actor" json:"actor"`
	Action  string            `db:"action" json:"action"`
	Obj     string            `db:"obj" json:"obj"`
	Details datatypes.JSONMap `db:"details" json:"details"`
	At      time.Time         `db:"at" json:"at"`
}

// Sink persists audit entries.
type Sink interface {
	Insert(ctx context.Context, e Entry) error
}

// Subscriber creates durable consumers. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Recorder consumes activation events and writes them to a Sink.
type Recorder struct {
	sink Sink
	sub  Subscriber
	log  zerolog.Logger

	subMu  sync.Mutex
	closer io.Closer
}

// NewRecorder constructs a Recorder.
func NewRecorder(sink Sink, sub Subscriber, logger zerolog.Logger) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &Recorder{sink: sink, sub: sub, log: logger.With().Str("component", "audit").Logger()}, nil
}

// Start subscribes to activation events and records them until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	closer, err := r.sub.Subscribe(ctx, activation.SubjectPrefix+">", durable, r.Handle)
	if err != nil {
		return err
	}
	r.subMu.Lock()
	r.closer = closer
	r.subMu.Unlock()
	return nil
}

// Close stops the subscription if it was created.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Handle decodes one event and stores it. Malformed payloads are dropped so they are not redelivered.
func (r *Recorder) Handle(ctx context.Context, data []byte) error {
	var evt activation.EventRecord
	if err := json.Unmarshal(data, &evt); err != nil {
		r.log.Warn().Err(err).Msg("drop malformed activation event")
		return nil
	}
	if evt.Type == "" {
		r.log.Warn().Msg("drop activation event without type")
		return nil
	}
	if err := r.sink.Insert(ctx, toEntry(evt)); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func toEntry(evt activation.EventRecord) Entry {
	details := datatypes.JSONMap{"action": evt.Action}
	if evt.InvitationID != uuid.Nil {
		details["invitation_id"] = evt.InvitationID.String()
	}
	if evt.State != "" {
		details["state"] = string(evt.State)
	}
	if evt.Reason != "" {
		details["reason"] = evt.Reason
	}
	if evt.ClientIP != "" {
		details["client_ip"] = evt.ClientIP
	}
	if evt.UserAgent != "" {
		details["user_agent"] = evt.UserAgent
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Entry{
		Actor:   "activation",
		Action:  evt.Type,
		Obj:     evt.Email,
		Details: details,
		At:      at,
	}
}

// PostgresSink writes entries with pgx.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink returns a Sink over pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Insert writes e.
func (s *PostgresSink) Insert(ctx context.Context, e Entry) error {
	detailsBytes, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, s.pool, `
INSERT INTO audit (actor, action, obj, details, at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, e.Actor, e.Action, e.Obj, detailsBytes, e.At)
	return err
}

// Recent returns the newest entries for obj, newest first.
func (s *PostgresSink) Recent(ctx context.Context, obj string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Entry
	err := db.Select(ctx, s.pool, &out, `
SELECT id, actor, action, COALESCE(obj, '') AS obj, COALESCE(details, '{}'::jsonb) AS details, at
FROM audit
WHERE obj = $1
ORDER BY at DESC, id DESC
LIMIT $2
`, obj, limit)
	return out, err
}
