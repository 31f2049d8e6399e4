// Package app wires configuration into the services shared by cmd/api and
// cmd/walletctl.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/audit"
	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway/razorpay"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway/stripe"
	"github.com/tsylvester/paynless-framework-sub006/internal/settlement"
	"github.com/tsylvester/paynless-framework-sub006/internal/storage"
	"github.com/tsylvester/paynless-framework-sub006/internal/subscription"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

// App holds the process-wide dependencies. Close releases them.
type App struct {
	Config  config.Config
	DB      *sql.DB
	Dialect utils.Dialect
	Redis   *redis.Client

	Auth          *auth.Manager
	Wallets       *wallet.Service
	Plans         catalog.Repository
	Gateways      *gateway.Registry
	Subscriptions *subscription.SQLStore
	Audit         *audit.Service
	Payments      *settlement.Pipeline
	Allocator     *allocation.Runner
}

// OpenDB opens the configured database. SQLite databases are migrated on
// open; Postgres is migrated explicitly with walletctl migrate.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, utils.Dialect, error) {
	dialect, err := utils.DialectForDriver(cfg.DB.Driver)
	if err != nil {
		return nil, "", err
	}
	if dialect == utils.DialectSQLite {
		db, err := utils.OpenSQLite(ctx, cfg.DSN())
		if err != nil {
			return nil, "", fmt.Errorf("sqlite init: %w", err)
		}
		if err := storage.Migrate(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, "", err
		}
		return db, dialect, nil
	}
	db, err := utils.OpenPostgres(ctx, cfg.DB.Driver, cfg.DSN(), utils.PoolConfig{})
	if err != nil {
		return nil, "", fmt.Errorf("postgres init: %w", err)
	}
	return db, dialect, nil
}

// New opens every dependency in cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Auth, err = auth.NewManager(cfg.Auth); err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}
	if a.Plans, err = catalog.LoadFile(cfg.Catalog.File); err != nil {
		return nil, fmt.Errorf("catalog init: %w", err)
	}
	if a.Gateways, err = Gateways(cfg); err != nil {
		return nil, err
	}

	if a.DB, a.Dialect, err = OpenDB(ctx, cfg); err != nil {
		return nil, err
	}
	if a.Redis, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password}); err != nil {
		return nil, fmt.Errorf("redis init: %w", err)
	}

	a.Wallets = wallet.NewService(wallet.NewSQLStore(a.DB, a.Dialect))
	a.Subscriptions = subscription.NewSQLStore(a.DB)
	a.Audit = audit.NewService(audit.NewSQLRepo(a.DB))
	a.Payments = settlement.NewPipeline(
		settlement.NewSQLStore(a.DB, a.Dialect),
		a.Wallets,
		a.Plans,
		a.Gateways,
		a.Subscriptions,
		a.Audit,
	)
	a.Allocator = allocation.NewRunner(a.Plans, a.Subscriptions, a.Wallets, a.Audit, allocation.Options{
		SystemUserID: cfg.Allocation.SystemUserID,
		Concurrency:  cfg.Allocation.Concurrency,
		Locker:       allocation.NewRedisLocker(a.Redis, cfg.Allocation.LockTTL),
	})
	return a, nil
}

// Gateways builds the registry of adapters whose credentials are configured.
func Gateways(cfg config.Config) (*gateway.Registry, error) {
	var adapters []gateway.Adapter
	if cfg.Stripe.Enabled() {
		a, err := stripe.New(cfg.Stripe, cfg.App.SiteURL)
		if err != nil {
			return nil, fmt.Errorf("stripe init: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Razorpay.Enabled() {
		a, err := razorpay.New(cfg.Razorpay)
		if err != nil {
			return nil, fmt.Errorf("razorpay init: %w", err)
		}
		adapters = append(adapters, a)
	}
	return gateway.NewRegistry(adapters...)
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
