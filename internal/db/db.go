// Package db persists the checksum app's event log, housekeeping history and
// preserved enable flags in sqlite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/monitoring"
)

type DB struct {
	*sql.DB
}

var (
	_ events.Sink         = (*DB)(nil)
	_ checksum.StateStore = (*DB)(nil)
)

// NewDB opens the database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time keeps sqlite from returning SQLITE_BUSY
	sqldb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{sqldb}, nil
}

// RecordEvent appends e to the event log.
func (db *DB) RecordEvent(ctx context.Context, e events.Event) error {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (eid, severity, message, ts_unix_nano) VALUES (?, ?, ?, ?)`,
		int64(e.ID), e.Severity.String(), e.Message, ts.UnixNano())
	return err
}

// Emit implements events.Sink. Write failures are logged and dropped.
func (db *DB) Emit(e events.Event) {
	if err := db.RecordEvent(context.Background(), e); err != nil {
		monitoring.Logf("failed to record event %d: %v", e.ID, err)
	}
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT eid, severity, message, ts_unix_nano FROM events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			eid      int64
			severity string
			message  string
			tsNanos  int64
		)
		if err := rows.Scan(&eid, &severity, &message, &tsNanos); err != nil {
			return nil, err
		}
		e := events.Event{ID: events.ID(eid), Message: message, Time: time.Unix(0, tsNanos)}
		if err := e.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, fmt.Errorf("event %d: %w", eid, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Housekeeping is one sample of the counters shown on the history chart.
type Housekeeping struct {
	Time          time.Time       `json:"time"`
	Enabled       bool            `json:"enabled"`
	PassCounter   uint32          `json:"pass_counter"`
	CmdCounter    uint32          `json:"cmd_counter"`
	CmdErrCounter uint32          `json:"cmd_err_counter"`
	Miscompares   uint32          `json:"miscompares"`
	CurrentTarget checksum.Target `json:"current_target"`
	CurrentEntry  int             `json:"current_entry"`
	WorkerBusy    bool            `json:"worker_busy"`
}

// HousekeepingFromSnapshot condenses a snapshot into a history sample.
func HousekeepingFromSnapshot(at time.Time, s checksum.Snapshot) Housekeeping {
	hk := Housekeeping{
		Time:          at,
		Enabled:       s.Enabled,
		PassCounter:   s.PassCounter,
		CmdCounter:    s.CmdCounter,
		CmdErrCounter: s.CmdErrCounter,
		CurrentTarget: s.CurrentTarget,
		CurrentEntry:  s.CurrentEntry,
		WorkerBusy:    s.RecomputeInProgress || s.OneShotInProgress,
	}
	for _, t := range s.Targets {
		hk.Miscompares += t.Miscompares
	}
	return hk
}

func (db *DB) RecordHousekeeping(ctx context.Context, hk Housekeeping) error {
	_, err := db.ExecContext(ctx, `INSERT INTO housekeeping (
			ts_unix_nano, enabled, pass_counter, cmd_counter, cmd_err_counter,
			miscompares, current_target, current_entry, worker_busy
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hk.Time.UnixNano(), hk.Enabled, hk.PassCounter, hk.CmdCounter, hk.CmdErrCounter,
		hk.Miscompares, int(hk.CurrentTarget), hk.CurrentEntry, hk.WorkerBusy)
	return err
}

// HousekeepingHistory returns the latest limit samples, oldest first.
func (db *DB) HousekeepingHistory(ctx context.Context, limit int) ([]Housekeeping, error) {
	rows, err := db.QueryContext(ctx, `SELECT * FROM (
			SELECT hk_id, ts_unix_nano, enabled, pass_counter, cmd_counter, cmd_err_counter,
				miscompares, current_target, current_entry, worker_busy
			FROM housekeeping ORDER BY hk_id DESC LIMIT ?
		) ORDER BY hk_id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Housekeeping
	for rows.Next() {
		var (
			id      int64
			tsNanos int64
			target  int
			hk      Housekeeping
		)
		if err := rows.Scan(&id, &tsNanos, &hk.Enabled, &hk.PassCounter, &hk.CmdCounter,
			&hk.CmdErrCounter, &hk.Miscompares, &target, &hk.CurrentEntry, &hk.WorkerBusy); err != nil {
			return nil, err
		}
		hk.Time = time.Unix(0, tsNanos)
		hk.CurrentTarget = checksum.Target(target)
		out = append(out, hk)
	}
	return out, rows.Err()
}

// PruneBefore deletes events and housekeeping samples older than cutoff.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"events", "housekeeping"} {
		res, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts_unix_nano < ?", cutoff.UnixNano())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// SaveEnableStates implements checksum.StateStore.
func (db *DB) SaveEnableStates(ctx context.Context, es checksum.EnableStates) error {
	b, err := json.Marshal(es)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO enable_states (id, states_json, saved_unix) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET states_json = excluded.states_json, saved_unix = excluded.saved_unix`,
		string(b), time.Now().Unix())
	return err
}

// LoadEnableStates implements checksum.StateStore.
func (db *DB) LoadEnableStates(ctx context.Context) (checksum.EnableStates, bool, error) {
	var es checksum.EnableStates
	var raw string
	err := db.QueryRowContext(ctx, `SELECT states_json FROM enable_states WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return es, false, nil
	}
	if err != nil {
		return es, false, err
	}
	if err := json.Unmarshal([]byte(raw), &es); err != nil {
		return es, false, fmt.Errorf("decode enable states: %w", err)
	}
	return es, true, nil
}

// AttachAdminRoutes mounts the SQL console and a backup download under
// /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://cs.db", db.DB, &tailsql.DBOptions{
		Label: "Checksum DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Download a gzipped backup of the database", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "cs-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	path := filepath.Join(dir, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", path); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("backup download interrupted: %v", err)
	}
}
