// Package db opens the stashd database, applies embedded migrations and
// defines the persisted models. Postgres is the production driver; sqlite
// backs local development and the test suite.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config controls how the database is opened.
type Config struct {
	// Driver is "postgres" or "sqlite". Defaults to postgres.
	Driver string
	// DSN is the driver-specific connection string. For sqlite it is the
	// database file path, or ":memory:" for an in-memory database.
	DSN string
	// Migrate applies pending migrations after opening. Worker-only
	// processes leave this off and rely on the API half having migrated.
	Migrate bool

	Logger *zap.Logger
	// SlowThreshold marks queries slower than this as warnings.
	// Defaults to 200ms.
	SlowThreshold time.Duration
}

// New opens the database described by cfg and optionally migrates it.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = 200 * time.Millisecond
	}

	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = &gormLogger{
			log:           cfg.Logger.WithOptions(zap.AddCallerSkip(3)),
			slowThreshold: cfg.SlowThreshold,
		}
	}

	var (
		gormDB *gorm.DB
		err    error
	)
	switch cfg.Driver {
	case "postgres":
		gormDB, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: failed to open postgres: %w", err)
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("db: failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	case "sqlite":
		sqlDB, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("db: failed to open sqlite: %w", err)
		}
		// modernc sqlite handles one writer; a single connection also keeps
		// an in-memory database alive for the process lifetime.
		sqlDB.SetMaxOpenConns(1)
		gormDB, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: failed to open sqlite via gorm: %w", err)
		}
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}

	if cfg.Migrate {
		if err := runMigrations(gormDB, cfg.Driver); err != nil {
			return nil, err
		}
		if cfg.Logger != nil {
			cfg.Logger.Info("database migrations applied successfully")
		}
	}

	return gormDB, nil
}

// Migrate applies pending migrations on an already-open database. Used by
// the migrate subcommand.
func Migrate(gormDB *gorm.DB, driver string) error {
	return runMigrations(gormDB, driver)
}

func runMigrations(gormDB *gorm.DB, driver string) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("db: failed to access connection pool: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: failed to load embedded migrations: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case "postgres":
		dbDriver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	case "sqlite":
		dbDriver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("db: unsupported driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("db: failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("db: failed to prepare migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: failed to apply migrations: %w", err)
	}
	return nil
}
