// Package offline persists points on the device so the map keeps working
// without the remote query service. It speaks plain database/sql; the
// actual driver is chosen at startup and registered by pkg/offline/drivers
// so tests never pull the heavy engines in.
package offline

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Store wraps the on-device database.
type Store struct {
	DB     *sql.DB
	Driver string // normalized driver name so SQL builders can stay declarative
}

// Config holds what Open needs to reach the database.
type Config struct {
	Driver string // "sqlite" (default), "genji", "chai", "duckdb", or "pgx"
	Path   string // file path for file-based engines
	Conn   string // raw DSN for pgx
	Host   string
	Port   int
	User   string
	Pass   string
	Name   string
	SSL    string // pgx sslmode
}

// Open connects and tunes the pool. File-based engines run over a single
// connection: one writer, no concurrent statements at the DB layer.
func Open(cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}

	var dsn string
	applyPragmas := false
	switch driver {
	case "sqlite":
		applyPragmas = true
		dsn = cfg.Path
		if dsn == "" {
			dsn = "pointmap.sqlite"
		}
	case "genji", "chai":
		// Same file conventions as sqlite, but the driver manages its own
		// transaction and caching strategy, so skip the pragma tuning.
		dsn = cfg.Path
		if dsn == "" {
			dsn = "pointmap." + driver
		}
	case "duckdb":
		dsn = cfg.Path
		if dsn == "" {
			dsn = "pointmap.duckdb"
		}
	case "pgx":
		if strings.TrimSpace(cfg.Conn) != "" {
			dsn = cfg.Conn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.Name, cfg.SSL)
		}
	default:
		return nil, fmt.Errorf("unsupported offline store driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}

	switch driver {
	case "sqlite", "genji", "chai", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if applyPragmas {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLite(ctx, db); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "pgx":
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect offline store: %w", err)
		}
	}

	s := &Store{DB: db, Driver: driver}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// tuneSQLite applies the WAL/synchronous/busy pragmas that keep bulk area
// writes fast on a phone-class device.
func tuneSQLite(ctx context.Context, db *sql.DB) error {
	steps := []struct {
		label string
		query string
	}{
		{"journal_mode", "PRAGMA journal_mode=WAL;"},
		{"synchronous", "PRAGMA synchronous=NORMAL;"},
		{"temp_store", "PRAGMA temp_store=MEMORY;"},
		{"busy_timeout", "PRAGMA busy_timeout=5000;"},
	}
	for _, step := range steps {
		if _, err := db.ExecContext(ctx, step.query); err != nil {
			return fmt.Errorf("pragma %s: %w", step.label, err)
		}
	}
	return nil
}

// initSchema creates the points and share_links tables synchronously so
// the app can serve traffic immediately.
func (s *Store) initSchema() error {
	var points, links string
	switch s.Driver {
	case "pgx":
		points = `
CREATE TABLE IF NOT EXISTS points (
  id         BIGINT PRIMARY KEY,
  lat        DOUBLE PRECISION NOT NULL,
  lon        DOUBLE PRECISION NOT NULL,
  tags       TEXT,
  updated_at BIGINT
);`
		links = `
CREATE TABLE IF NOT EXISTS share_links (
  code       TEXT PRIMARY KEY,
  target     TEXT NOT NULL,
  created_at BIGINT
);`
	default:
		points = `
CREATE TABLE IF NOT EXISTS points (
  id         BIGINT PRIMARY KEY,
  lat        DOUBLE NOT NULL,
  lon        DOUBLE NOT NULL,
  tags       TEXT,
  updated_at BIGINT
);`
		links = `
CREATE TABLE IF NOT EXISTS share_links (
  code       TEXT PRIMARY KEY,
  target     TEXT NOT NULL,
  created_at BIGINT
);`
	}
	for _, stmt := range []string{points, links} {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("init offline schema: %w", err)
		}
	}
	// The bounds index speeds up viewport reads; ignore failures on
	// engines that already have it or spell indexes differently.
	if _, err := s.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_points_bounds ON points (lat, lon)`); err != nil {
		log.Printf("offline index skipped: %v", err)
	}
	return nil
}

// placeholders returns a generator producing the correct placeholder
// syntax for the configured driver. A closure keeps the SQL assembly
// readable as the argument count grows.
func (s *Store) placeholders() func() string {
	return placeholdersFor(s.Driver)
}
