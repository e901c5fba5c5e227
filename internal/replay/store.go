// Package replay journals closed command sets to SQLite so a session can be
// re-simulated tick for tick.
package replay

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/scheduler"
)

//go:embed schema.sql
var schema string

// ErrAlreadyRecorded rejects a second journal entry for the same tick.
var ErrAlreadyRecorded = errors.New("tick already recorded")

// Entry is one journaled closure.
type Entry struct {
	Set      lockstep.CommandSet
	Reason   scheduler.ClosureReason
	OpenedAt time.Time
	ClosedAt time.Time
}

// Store persists closures in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the journal at path and creates its tables.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append journals one closure atomically.
func (s *Store) Append(ctx context.Context, closure scheduler.Closure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	set := closure.Set

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ticks (tick, digest, reason, opened_at, closed_at, defaulted) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(set.Tick),
		proto.FormatDigest(set.Digest()),
		string(closure.Reason),
		toMillis(closure.OpenedAt),
		toMillis(closure.ClosedAt),
		formatIDs(set.Defaulted),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tick %d: %w", set.Tick, ErrAlreadyRecorded)
		}
		return fmt.Errorf("insert tick %d: %w", set.Tick, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO commands (tick, client_id, seq, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare commands: %w", err)
	}
	defer stmt.Close()
	for _, cmd := range set.Commands {
		if _, err := stmt.ExecContext(ctx, int64(set.Tick), int64(cmd.ClientID), int64(cmd.Sequence), cmd.Payload); err != nil {
			return fmt.Errorf("insert command %s: %w", cmd.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick %d: %w", set.Tick, err)
	}
	return nil
}

// Load returns the journaled closures for ticks in [from, to] in tick order.
// Every set is checked against its recorded digest.
func (s *Store) Load(ctx context.Context, from, to lockstep.Tick) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT tick, digest, reason, opened_at, closed_at, defaulted FROM ticks WHERE tick >= ? AND tick <= ? ORDER BY tick`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	var entries []Entry
	digests := make(map[lockstep.Tick]string)
	index := make(map[lockstep.Tick]int)
	for rows.Next() {
		var (
			tick               int64
			digest, reason     string
			openedAt, closedAt int64
			defaulted          string
		)
		if err := rows.Scan(&tick, &digest, &reason, &openedAt, &closedAt, &defaulted); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		ids, err := parseIDs(defaulted)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("tick %d defaulted: %w", tick, err)
		}
		t := lockstep.Tick(tick)
		digests[t] = digest
		index[t] = len(entries)
		entries = append(entries, Entry{
			Set:      lockstep.CommandSet{Tick: t, Commands: []lockstep.Command{}, Defaulted: ids},
			Reason:   scheduler.ClosureReason(reason),
			OpenedAt: fromMillis(openedAt),
			ClosedAt: fromMillis(closedAt),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	rows.Close()

	cmdRows, err := s.sqlDB.QueryContext(ctx,
		`SELECT tick, client_id, seq, payload FROM commands WHERE tick >= ? AND tick <= ? ORDER BY tick, client_id, seq`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer cmdRows.Close()
	for cmdRows.Next() {
		var (
			tick, clientID, seq int64
			payload             []byte
		)
		if err := cmdRows.Scan(&tick, &clientID, &seq, &payload); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		i, ok := index[lockstep.Tick(tick)]
		if !ok {
			continue
		}
		entries[i].Set.Commands = append(entries[i].Set.Commands, lockstep.Command{
			ClientID: lockstep.ClientID(clientID),
			Tick:     lockstep.Tick(tick),
			Sequence: uint32(seq),
			Payload:  payload,
		})
	}
	if err := cmdRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}

	for _, entry := range entries {
		if got := proto.FormatDigest(entry.Set.Digest()); got != digests[entry.Set.Tick] {
			return nil, fmt.Errorf("tick %d digest %s want %s: %w", entry.Set.Tick, got, digests[entry.Set.Tick], lockstep.ErrDesyncRisk)
		}
	}
	return entries, nil
}

// Latest returns the newest journaled tick.
func (s *Store) Latest(ctx context.Context) (lockstep.Tick, bool, error) {
	var tick sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(tick) FROM ticks`).Scan(&tick); err != nil {
		return 0, false, fmt.Errorf("query latest tick: %w", err)
	}
	if !tick.Valid {
		return 0, false, nil
	}
	return lockstep.Tick(tick.Int64), true, nil
}

func formatIDs(ids []lockstep.ClientID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func parseIDs(value string) ([]lockstep.ClientID, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	ids := make([]lockstep.ClientID, len(parts))
	for i, part := range parts {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids[i] = lockstep.ClientID(id)
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
