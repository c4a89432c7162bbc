// Package archive moves terminal invitations older than the retention window into
// encrypted objects and then deletes them from the store.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/frosty308/webapps/services/activation/tokens"
)

const (
	defaultBatchSize = 500
	objectPrefix     = "invitations"
)

// Uploader stores objects. *s3.Client satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// Config configures a Sweeper.
type Config struct {
	Bucket    string
	Recipient string
	Retention time.Duration
	BatchSize int
	Now       func() time.Time
	// Signer, when set, signs every manifest.
	Signer *Signer
}

// Report summarises one sweep.
type Report struct {
	Objects []string
	Records int
	Purged  int64
}

// Sweeper archives and purges terminal invitations.
type Sweeper struct {
	store     tokens.Store
	up        Uploader
	cfg       Config
	recipient age.Recipient
	log       zerolog.Logger
}

// NewSweeper validates cfg and returns a Sweeper.
func NewSweeper(store tokens.Store, up Uploader, cfg Config, logger zerolog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if up == nil {
		return nil, errors.New("uploader is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	recipient, err := age.ParseX25519Recipient(cfg.Recipient)
	if err != nil {
		return nil, fmt.Errorf("parse age recipient: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:     store,
		up:        up,
		cfg:       cfg,
		recipient: recipient,
		log:       logger.With().Str("component", "archive").Logger(),
	}, nil
}

// Sweep archives every terminal invitation last updated before now minus the retention.
// A batch is purged only after its object and manifest were uploaded.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := s.cfg.Now().UTC()
	before := now.Add(-s.cfg.Retention)

	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		invs, err := s.store.Terminal(ctx, before, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list terminal invitations: %w", err)
		}
		if len(invs) == 0 {
			return report, nil
		}

		key := fmt.Sprintf("%s/%s/%d-%03d.jsonl.zst.age", objectPrefix, now.Format("2006/01/02"), now.Unix(), batch)
		if err := s.upload(ctx, key, before, invs); err != nil {
			return report, err
		}

		ids := make([]uuid.UUID, 0, len(invs))
		for _, inv := range invs {
			ids = append(ids, inv.ID)
		}
		purged, err := s.store.Purge(ctx, ids)
		if err != nil {
			return report, fmt.Errorf("purge archived invitations: %w", err)
		}

		report.Objects = append(report.Objects, key)
		report.Records += len(invs)
		report.Purged += purged
		s.log.Info().Str("object", key).Int("records", len(invs)).Int64("purged", purged).Msg("archived invitations")

		if len(invs) < s.cfg.BatchSize || purged == 0 {
			return report, nil
		}
	}
}

func (s *Sweeper) upload(ctx context.Context, key string, before time.Time, invs []tokens.Invitation) error {
	payload, err := Encode(invs, s.recipient)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	if err := s.up.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(payload), int64(len(payload)), digest); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	m := Manifest{
		Version:   "1",
		CreatedAt: s.cfg.Now().UTC().Truncate(time.Second),
		Object:    key,
		Recipient: s.cfg.Recipient,
		Records:   len(invs),
		Size:      int64(len(payload)),
		SHA256:    digest,
		Before:    before,
	}
	if s.cfg.Signer != nil {
		m.SigningPublicKey = s.cfg.Signer.PublicKeyBase64()
		signing, err := m.SigningBytes()
		if err != nil {
			return fmt.Errorf("marshal manifest for signing: %w", err)
		}
		if m.Signature, err = s.cfg.Signer.Sign(signing); err != nil {
			return fmt.Errorf("sign manifest: %w", err)
		}
	}
	manifest, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	msum := sha256.Sum256(manifest)
	mkey := key + ".manifest.yaml"
	if err := s.up.PutObject(ctx, s.cfg.Bucket, mkey, bytes.NewReader(manifest), int64(len(manifest)), hex.EncodeToString(msum[:])); err != nil {
		return fmt.Errorf("upload %s: %w", mkey, err)
	}
	return nil
}

// Encode writes invitations as JSON lines, compresses them with zstd and encrypts the
// result to recipient. Tokens and password hashes are never serialised.
func Encode(invs []tokens.Invitation, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	encrypted, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	encoder, err := zstd.NewWriter(encrypted)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	enc := json.NewEncoder(encoder)
	for _, inv := range invs {
		if err := enc.Encode(inv); err != nil {
			encoder.Close()
			return nil, fmt.Errorf("encode invitation %s: %w", inv.ID, err)
		}
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	if err := encrypted.Close(); err != nil {
		return nil, fmt.Errorf("close age: %w", err)
	}
	return buf.Bytes(), nil
}

// Read decrypts and decompresses an archive object produced by Encode.
func Read(r io.Reader, identities ...age.Identity) ([]tokens.Invitation, error) {
	plain, err := age.Decrypt(r, identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	decoder, err := zstd.NewReader(plain)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var out []tokens.Invitation
	scanner := bufio.NewScanner(decoder)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var inv tokens.Invitation
		if err := json.Unmarshal(scanner.Bytes(), &inv); err != nil {
			return nil, fmt.Errorf("decode invitation: %w", err)
		}
		out = append(out, inv)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
