package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	// DriverSQLite opens an embedded SQLite file.
	DriverSQLite = "sqlite"
	// DriverPostgres opens a PostgreSQL database through pgx.
	DriverPostgres = "postgres"
)

// Options selects and locates the durable store.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the store connection and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(options.Driver, DriverSQLite) || options.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driverName(options)))
	}

	return db, nil
}

// Migrate creates the page, revision and participant tables and applies named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&pages.Page{}, &pages.Revision{}, &pages.Participant{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(options Options) (gorm.Dialector, error) {
	switch driverName(options) {
	case DriverSQLite:
		if strings.TrimSpace(options.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return sqlite.Open(options.Path), nil
	case DriverPostgres:
		if strings.TrimSpace(options.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		return postgres.Open(options.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

func driverName(options Options) string {
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	if driver == "" {
		return DriverSQLite
	}
	return driver
}
