package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the document ledger and the case
// vector table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docket.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the vector store, which shares
// this database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

const entryColumns = "id, filename, status, ai_result, user_feedback, indexed, error_reason, created_at, updated_at"

// InsertEntry adds a new queue entry. The partial unique index on filename
// rejects a second active entry for the same file.
func (s *Store) InsertEntry(e QueueEntry) error {
	now := time.Now().UTC()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := e.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO cases (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Filename, status, e.AIResult, e.UserFeedback, boolToInt(e.Indexed), e.ErrorReason,
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// GetEntry returns the entry with the given id, deleted or not.
func (s *Store) GetEntry(id string) (QueueEntry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM cases WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, err
	}
	return e, nil
}

// ActiveFilenames returns the set of filenames with a non-deleted ledger row.
// The pipeline uses this to detect newly uploaded files.
func (s *Store) ActiveFilenames() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT filename FROM cases WHERE status != ?`, StatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		names[f] = true
	}
	return names, rows.Err()
}

// ListByStatus returns entries whose status is in statuses, ordered by
// created_at (order "asc" or "desc", default desc). A limit <= 0 means no limit.
// An empty statuses slice matches every status.
func (s *Store) ListByStatus(statuses []string, order string, limit int) ([]QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cases`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	if strings.EqualFold(order, "asc") {
		query += ` ORDER BY created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// CountByStatus returns the number of entries whose status is in statuses.
// An empty slice counts every entry.
func (s *Store) CountByStatus(statuses []string) (int, error) {
	query := `SELECT COUNT(*) FROM cases`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	var count int
	err := s.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

// ClaimEntry atomically transitions an entry from pending or error to
// processing. Returns false when another invocation already claimed it (or the
// entry is in a non-claimable status).
func (s *Store) ClaimEntry(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE cases SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusProcessing, now, id, StatusPending, StatusError,
	)
	if err != nil {
		return false, fmt.Errorf("claiming entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkProcessed records the analysis result and moves the entry to processed.
// An earlier error reason is cleared.
func (s *Store) MarkProcessed(id string, resultJSON string) error {
	return s.updateEntry(id, `status = ?, ai_result = ?, error_reason = ''`, StatusProcessed, resultJSON)
}

// MarkError moves the entry to error with the failure reason recorded for
// manual replay.
func (s *Store) MarkError(id string, reason string) error {
	return s.updateEntry(id, `status = ?, error_reason = ?`, StatusError, reason)
}

// Complete moves the entry to completed with the reviewer's feedback and marks
// it indexed (a case vector now exists under this id).
func (s *Store) Complete(id string, feedback string) error {
	return s.updateEntry(id, `status = ?, user_feedback = ?, indexed = 1`, StatusCompleted, feedback)
}

// SetResult overwrites the stored analysis result without touching status.
// Used when a human edit revises the content of a completed case.
func (s *Store) SetResult(id string, resultJSON string) error {
	return s.updateEntry(id, `ai_result = ?`, resultJSON)
}

// SoftDelete marks the entry deleted. The row is retained for audit.
func (s *Store) SoftDelete(id string) error {
	return s.updateEntry(id, `status = ?, indexed = 0`, StatusDeleted)
}

// updateEntry applies a SET clause plus the updated_at refresh every mutation gets.
func (s *Store) updateEntry(id string, setClause string, args ...interface{}) error {
	now := time.Now().UTC().Format(time.RFC3339)
	args = append(args, now, id)
	res, err := s.db.Exec(`UPDATE cases SET `+setClause+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (QueueEntry, error) {
	var e QueueEntry
	var indexed int
	var createdAt, updatedAt string
	if err := row.Scan(&e.ID, &e.Filename, &e.Status, &e.AIResult, &e.UserFeedback, &indexed, &e.ErrorReason, &createdAt, &updatedAt); err != nil {
		return QueueEntry{}, err
	}
	e.Indexed = indexed != 0

	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return QueueEntry{}, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return QueueEntry{}, fmt.Errorf("parsing updated_at for %s: %w", e.ID, err)
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
