package ratelimit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps throttle records in a SQLite database file. Processes
// on one host that open the same file share pacing.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens (creating if needed) the throttle database at path
// and applies schema migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("throttle database path is required")
	}

	// Write transactions take the database lock up front so that the
	// read-modify-write in Reserve is serialized across processes.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open throttle database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping throttle database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run throttle migrations: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Reserve(ctx context.Context, site string, kind Kind, clock func() time.Time, delay time.Duration) (time.Time, error) {
	read := readFlag(kind)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin throttle transaction: %w", err)
	}
	defer tx.Rollback()

	// BEGIN IMMEDIATE has returned, so the write lock is ours.
	nowSec := unixSeconds(clock())

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO throttle (site, expiry, read) VALUES (?, ?, ?)`,
		site, nowSec, read); err != nil {
		return time.Time{}, fmt.Errorf("insert throttle record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE throttle SET expiry = max(?, expiry) + ? WHERE site = ? AND read = ?`,
		nowSec, delay.Seconds(), site, read); err != nil {
		return time.Time{}, fmt.Errorf("update throttle record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM throttle WHERE expiry < ? AND site != ?`,
		nowSec, site); err != nil {
		return time.Time{}, fmt.Errorf("prune throttle records: %w", err)
	}

	var expiry float64
	if err := tx.QueryRowContext(ctx,
		`SELECT expiry FROM throttle WHERE site = ? AND read = ?`,
		site, read).Scan(&expiry); err != nil {
		return time.Time{}, fmt.Errorf("select throttle record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("commit throttle transaction: %w", err)
	}
	return fromUnixSeconds(expiry), nil
}

func (s *SQLiteStore) Seize(ctx context.Context, site string, until time.Time) error {
	untilSec := unixSeconds(until)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin throttle transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kind := range []Kind{Read, Write} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO throttle (site, expiry, read) VALUES (?, ?, ?)`,
			site, untilSec, readFlag(kind)); err != nil {
			return fmt.Errorf("insert throttle record: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE throttle SET expiry = max(?, expiry) WHERE site = ?`,
		untilSec, site); err != nil {
		return fmt.Errorf("seize throttle records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit throttle transaction: %w", err)
	}
	return nil
}

// Records returns all stored records.
func (s *SQLiteStore) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT site, read, expiry FROM throttle ORDER BY site, read`)
	if err != nil {
		return nil, fmt.Errorf("query throttle records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			read   int
			expiry float64
		)
		if err := rows.Scan(&r.Site, &read, &expiry); err != nil {
			return nil, fmt.Errorf("scan throttle record: %w", err)
		}
		r.Kind = Write
		if read == 1 {
			r.Kind = Read
		}
		r.Expiry = fromUnixSeconds(expiry)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func readFlag(k Kind) int {
	if k == Read {
		return 1
	}
	return 0
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}
