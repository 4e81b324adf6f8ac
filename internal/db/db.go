package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config controls how the database connection is opened.
type Config struct {
	Driver string
	DSN    string
	Debug  bool
}

// ParseURL splits a DATABASE_URL of the form "scheme:dsn" into a driver
// name and a driver-specific DSN. "sqlite:emails.db" opens (or creates)
// the named file; postgres:// and mysql:// URLs are passed through to
// their drivers unchanged.
func ParseURL(url string) (Config, error) {
	url = strings.TrimSpace(url)
	scheme, rest, ok := strings.Cut(url, ":")
	if !ok || scheme == "" {
		return Config{}, fmt.Errorf("malformed database URL %q, want scheme:dsn", url)
	}

	switch scheme {
	case "sqlite", "sqlite3":
		dsn := strings.TrimPrefix(rest, "//")
		if dsn == "" {
			return Config{}, fmt.Errorf("sqlite database URL %q has no path", url)
		}
		return Config{Driver: "sqlite", DSN: dsn}, nil
	case "postgres", "postgresql":
		return Config{Driver: "postgres", DSN: url}, nil
	case "mysql":
		return Config{Driver: "mysql", DSN: strings.TrimPrefix(rest, "//")}, nil
	default:
		return Config{}, fmt.Errorf("unsupported database driver: %s", scheme)
	}
}

// New opens a GORM database connection based on the driver and DSN,
// migrates the schema and installs the full-text index.
func New(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormCfg := &gorm.Config{}
	if !cfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory sqlite database exists per connection; cap the pool at
	// one so every handle sees the same data.
	if (cfg.Driver == "sqlite" || cfg.Driver == "sqlite3") && strings.Contains(cfg.DSN, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the schema and, on sqlite, the FTS5 shadow table with
// the triggers that keep it synchronized with the emails table. Triggers
// fire inside the same transaction as the primary write, so the index can
// never drift from the emails table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Email{}, &Mailbox{}, &Webhook{}, &User{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	if db.Dialector.Name() != "sqlite" {
		return nil
	}

	ddl := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS emails_fts USING fts5(
			to_address, from_address, subject, body,
			content='emails', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS emails_fts_after_insert AFTER INSERT ON emails BEGIN
			INSERT INTO emails_fts(rowid, to_address, from_address, subject, body)
			VALUES (new.rowid, new.to_address, new.from_address, new.subject, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS emails_fts_after_delete AFTER DELETE ON emails BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, to_address, from_address, subject, body)
			VALUES ('delete', old.rowid, old.to_address, old.from_address, old.subject, old.body);
		END`,
	}
	for _, stmt := range ddl {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to set up full-text index: %w", err)
		}
	}
	return nil
}
