// Package app assembles the activation service and its infrastructure from Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/frosty308/webapps/pkg/bus"
	"github.com/frosty308/webapps/pkg/cache"
	"github.com/frosty308/webapps/pkg/db"
	"github.com/frosty308/webapps/pkg/render"
	"github.com/frosty308/webapps/pkg/s3"
	"github.com/frosty308/webapps/services/activation"
	"github.com/frosty308/webapps/services/activation/codes"
	"github.com/frosty308/webapps/services/activation/policy"
	"github.com/frosty308/webapps/services/activation/throttle"
	"github.com/frosty308/webapps/services/activation/tokens"
	"github.com/frosty308/webapps/services/archive"
	"github.com/frosty308/webapps/services/audit"
	"github.com/frosty308/webapps/services/notify"
	"github.com/frosty308/webapps/services/ui/api/internal/config"
	uidb "github.com/frosty308/webapps/services/ui/api/internal/db"
	"github.com/frosty308/webapps/services/ui/api/internal/directory"
	"github.com/frosty308/webapps/services/ui/api/internal/version"
)

// App owns every long-lived dependency of the accounts API.
type App struct {
	Config  config.Config
	Log     zerolog.Logger
	Pool    *pgxpool.Pool
	ORM     *gorm.DB
	Cache   *cache.Cache
	Bus     *bus.Bus
	Tokens  tokens.Store
	Service *activation.Service

	recorder *audit.Recorder
}

// New connects to Postgres, Redis and NATS as configured and builds the Service.
// Redis and NATS are optional: without them throttling stays in process and
// notifications are only logged.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Pool, err = db.Open(ctx, cfg.DBDSN); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if a.ORM, err = uidb.Connect(ctx, cfg.DBDSN); err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}

	rules, err := policy.LoadRules(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	if err := rules.CheckCodeLength(cfg.CodeLength); err != nil {
		return nil, fmt.Errorf("CODE_LENGTH: %w", err)
	}

	var throttleStore throttle.Store = throttle.NewMemoryStore()
	if len(cfg.RedisAddrs) > 0 {
		if a.Cache, err = cache.NewCache(cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisCluster); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		throttleStore = throttle.NewRedisStore(a.Cache)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, throttle counters are per process")
	}

	var (
		codeNotifier   codes.Notifier                = notify.LogNotifier{Log: logger}
		inviteNotifier activation.InvitationNotifier = notify.LogNotifier{Log: logger}
		events         activation.Publisher
	)
	if cfg.NATSURL != "" {
		if a.Bus, err = bus.New(cfg.NATSURL, nats.Name(version.Name), nats.MaxReconnects(-1)); err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		if err = a.Bus.EnsureStream(notify.Stream, "webapps.notify.>"); err != nil {
			return nil, fmt.Errorf("ensure notify stream: %w", err)
		}
		if err = a.Bus.EnsureStream(audit.Stream, activation.SubjectPrefix+">"); err != nil {
			return nil, fmt.Errorf("ensure activation stream: %w", err)
		}
		engine, rerr := render.New()
		if rerr != nil {
			return nil, rerr
		}
		n, nerr := notify.New(a.Bus, engine, logger)
		if nerr != nil {
			return nil, nerr
		}
		codeNotifier, inviteNotifier, events = n, n, a.Bus
	} else {
		logger.Warn().Msg("NATS_URL not set, notifications are logged and not delivered")
	}

	issuer := codes.NewIssuer(codes.NewPostgresStore(a.Pool), codeNotifier,
		codes.WithTTL(cfg.CodeTTL),
		codes.WithLength(cfg.CodeLength),
		codes.WithMaxAttempts(cfg.CodeMaxAttempts),
		codes.WithLogger(logger),
	)

	guard := throttle.NewGuard(throttleStore, map[throttle.Operation]throttle.Limit{
		throttle.OpResend:     {Max: cfg.ResendLimit, Window: cfg.ResendWindow},
		throttle.OpVerify:     {Max: cfg.VerifyLimit, Window: cfg.VerifyWindow},
		throttle.OpCredential: {Max: cfg.CredentialLimit, Window: cfg.CredentialWindow, Lockout: cfg.CredentialLockout},
	}, nil)

	a.Tokens = tokens.NewPostgresStore(a.Pool, cfg.PasswordCost)
	a.Service, err = activation.New(activation.Deps{
		Tokens:      a.Tokens,
		Codes:       issuer,
		Throttle:    guard,
		Policy:      policy.New(rules),
		Directory:   directory.New(a.ORM),
		Invitations: inviteNotifier,
		Events:      events,
		Logger:      logger,
	}, activation.Config{
		InvitationTTL: cfg.InvitationTTL,
		PasswordCost:  cfg.PasswordCost,
		StoreTimeout:  cfg.StoreTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Migrate applies the goose migrations and the directory schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, a.Pool); err != nil {
		return fmt.Errorf("migrate activation schema: %w", err)
	}
	if err := uidb.Migrate(ctx, a.ORM); err != nil {
		return fmt.Errorf("migrate directory: %w", err)
	}
	return nil
}

// StartAudit records activation events into the audit table. It is a no-op without NATS.
func (a *App) StartAudit(ctx context.Context) error {
	if a.Bus == nil {
		return nil
	}
	rec, err := audit.NewRecorder(audit.NewPostgresSink(a.Pool), a.Bus, a.Log)
	if err != nil {
		return err
	}
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("start audit recorder: %w", err)
	}
	a.recorder = rec
	return nil
}

// Sweeper builds the retention sweeper. S3 settings come from the S3_* environment.
func (a *App) Sweeper() (*archive.Sweeper, error) {
	if a.Config.ArchiveBucket == "" || a.Config.ArchiveAgeRecipient == "" {
		return nil, errors.New("ARCHIVE_BUCKET and ARCHIVE_AGE_RECIPIENT are required")
	}
	client, err := s3.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	cfg := archive.Config{
		Bucket:    a.Config.ArchiveBucket,
		Recipient: a.Config.ArchiveAgeRecipient,
		Retention: a.Config.Retention,
	}
	if a.Config.ArchiveSigningKey != "" {
		if cfg.Signer, err = archive.NewSigner(a.Config.ArchiveSigningKey); err != nil {
			return nil, err
		}
	}
	return archive.NewSweeper(a.Tokens, client, cfg, a.Log)
}

// Ready checks that every configured dependency answers.
func (a *App) Ready(ctx context.Context) error {
	if err := db.Ping(ctx, a.Pool); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.Cache != nil {
		if err := a.Cache.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.Bus != nil {
		if err := a.Bus.Healthy(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every dependency that was opened.
func (a *App) Close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.Log.Error().Err(err).Msg("close audit recorder")
		}
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Log.Error().Err(err).Msg("close redis")
		}
	}
	if a.ORM != nil {
		if err := uidb.Close(a.ORM); err != nil {
			a.Log.Error().Err(err).Msg("close directory")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// ShutdownTimeout bounds graceful shutdown of servers built on App.
const ShutdownTimeout = 10 * time.Second
