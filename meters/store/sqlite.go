package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/meters/meters"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/upsert-reading.sql
var upsertReadingSQL string

//go:embed sql/get-reading.sql
var getReadingSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

// SQLite is a persistent meters.Store keeping one row per location.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path. ":memory:" keeps it in memory.
func OpenSQLite(path string) (*SQLite, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "db open")
	}
	// a single connection serializes writers and keeps ":memory:" on one database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "db schema")
	}
	return &SQLite{db: db}, nil
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "mkdir %s", dir)
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

func (store *SQLite) Upsert(ctx context.Context, reading meters.Reading) error {
	_, err := store.db.ExecContext(ctx, upsertReadingSQL,
		reading.Location,
		reading.Time.Format(time.RFC3339),
		reading.Temperature,
		reading.Humidity,
		reading.Battery,
	)
	return errors.Wrapf(err, "upsert reading for %q", reading.Location)
}

func (store *SQLite) Get(ctx context.Context, location string) (meters.Reading, error) {
	reading, err := scanReading(store.db.QueryRowContext(ctx, getReadingSQL, location))
	if err == sql.ErrNoRows {
		return meters.Reading{}, meters.ErrNotFound
	}
	if err != nil {
		return meters.Reading{}, errors.Wrapf(err, "get reading for %q", location)
	}
	return reading, nil
}

func (store *SQLite) All(ctx context.Context) ([]meters.Reading, error) {
	rows, err := store.db.QueryContext(ctx, getReadingsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "get readings")
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Errorf("close readings rows: %s", err)
		}
	}()

	all := []meters.Reading{}
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reading")
		}
		all = append(all, reading)
	}
	return all, rows.Err()
}

func (store *SQLite) Clear(ctx context.Context) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM readings`)
	return errors.Wrap(err, "clear readings")
}

func (store *SQLite) Close() error {
	return store.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(row rowScanner) (meters.Reading, error) {
	var reading meters.Reading
	var ts string
	if err := row.Scan(&reading.Location, &ts, &reading.Temperature, &reading.Humidity, &reading.Battery); err != nil {
		return meters.Reading{}, err
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return meters.Reading{}, errors.Wrapf(err, "invalid reading time %q", ts)
	}
	reading.Time = t.Local()
	return reading, nil
}
