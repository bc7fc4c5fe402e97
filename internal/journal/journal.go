// Package journal keeps a local SQLite audit trail of dispatched commands
// and applied desired configuration.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
)

const (
	busyTimeoutMs  = 5000
	writeTimeout   = 5 * time.Second
	connectTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	request_id  TEXT    NOT NULL,
	status      INTEGER NOT NULL,
	message     TEXT    NOT NULL,
	duration_us INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS config_changes (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      TEXT NOT NULL,
	applied TEXT NOT NULL
);`

type CommandEntry struct {
	At        time.Time     `json:"at"`
	Name      string        `json:"name"`
	RequestID string        `json:"requestId"`
	Status    int           `json:"status"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
}

type ConfigEntry struct {
	At      time.Time      `json:"at"`
	Applied map[string]any `json:"applied"`
}

type Journal struct {
	db *sql.DB
}

var (
	_ devsim.CommandObserver = (*Journal)(nil)
	_ devsim.ConfigObserver  = (*Journal)(nil)
)

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying journal connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) ObserveCommand(req devsim.CommandRequest, res devsim.CommandResult, elapsed time.Duration) {
	if err := j.RecordCommand(context.Background(), req, res, elapsed); err != nil {
		logging.Warn("Journal command write failed", "command", req.Name, "error", err)
	}
}

func (j *Journal) ObserveConfig(applied map[string]any) {
	if err := j.RecordConfig(context.Background(), applied); err != nil {
		logging.Warn("Journal config write failed", "error", err)
	}
}

func (j *Journal) RecordCommand(ctx context.Context, req devsim.CommandRequest, res devsim.CommandResult, elapsed time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO commands (at, name, request_id, status, message, duration_us) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), req.Name, req.RequestID, res.Status, res.Message, elapsed.Microseconds())
	return err
}

func (j *Journal) RecordConfig(ctx context.Context, applied map[string]any) error {
	data, err := json.Marshal(applied)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO config_changes (at, applied) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), string(data))
	return err
}

// RecentCommands returns up to limit entries, newest first.
func (j *Journal) RecentCommands(ctx context.Context, limit int) ([]CommandEntry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, name, request_id, status, message, duration_us FROM commands ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandEntry
	for rows.Next() {
		var (
			e   CommandEntry
			at  string
			dur int64
		)
		if err := rows.Scan(&at, &e.Name, &e.RequestID, &e.Status, &e.Message, &dur); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Duration = time.Duration(dur) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentConfigChanges returns up to limit entries, newest first.
func (j *Journal) RecentConfigChanges(ctx context.Context, limit int) ([]ConfigEntry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, applied FROM config_changes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfigEntry
	for rows.Next() {
		var (
			e       ConfigEntry
			at, raw string
		)
		if err := rows.Scan(&at, &raw); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if err := json.Unmarshal([]byte(raw), &e.Applied); err != nil {
			return nil, fmt.Errorf("decode config entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
