package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the evidence archive.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

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
		dsn = filepath.Join(dataDir, "exhibit.db")
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

	s := &Store{db: db, now: time.Now}
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

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Evidence ---

// SaveEvidence archives the summary of a completed job. Saving the same id
// again replaces the previous record.
func (s *Store) SaveEvidence(ctx context.Context, id string, meta ledger.Meta, sum evidence.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, device_id, source_path, evidence_type, location, sampled_frames, total_frames, face_total, quality_mean, summary_json, produced_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			source_path = excluded.source_path,
			evidence_type = excluded.evidence_type,
			location = excluded.location,
			sampled_frames = excluded.sampled_frames,
			total_frames = excluded.total_frames,
			face_total = excluded.face_total,
			quality_mean = excluded.quality_mean,
			summary_json = excluded.summary_json,
			produced_at = excluded.produced_at,
			archived_at = excluded.archived_at`,
		id, meta.DeviceID, meta.SourcePath, meta.EvidenceType, meta.Location,
		sum.SampledFrames, sum.TotalFrames, sum.FaceTotal, sum.Quality.Mean, string(data),
		sum.ProducedAt.UTC().Format(timeLayout), s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving evidence %s: %w", id, err)
	}
	return nil
}

const evidenceColumns = `id, device_id, source_path, evidence_type, location, summary_json, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (EvidenceRecord, error) {
	var (
		r          EvidenceRecord
		summary    string
		archivedAt string
	)
	if err := row.Scan(&r.ID, &r.DeviceID, &r.SourcePath, &r.EvidenceType, &r.Location, &summary, &archivedAt); err != nil {
		return EvidenceRecord{}, err
	}
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return EvidenceRecord{}, fmt.Errorf("decoding summary of %s: %w", r.ID, err)
	}
	t, err := time.Parse(timeLayout, archivedAt)
	if err != nil {
		return EvidenceRecord{}, fmt.Errorf("parsing archived_at: %w", err)
	}
	r.ArchivedAt = t
	return r, nil
}

// GetEvidence returns the archived record for id.
func (s *Store) GetEvidence(ctx context.Context, id string) (EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = ?`, id)
	r, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EvidenceRecord{}, ErrNotFound
	}
	return r, err
}

// ListEvidence returns archived records, most recently archived first.
// deviceID filters by device when non-empty.
func (s *Store) ListEvidence(ctx context.Context, deviceID string, limit, offset int) ([]EvidenceRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + evidenceColumns + ` FROM evidence`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY archived_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, max(offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvidenceRecord
	for rows.Next() {
		r, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEvidence returns the number of archived records, filtered by device
// when deviceID is non-empty.
func (s *Store) CountEvidence(ctx context.Context, deviceID string) (int, error) {
	query := `SELECT COUNT(*) FROM evidence`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteEvidence removes the record for id.
func (s *Store) DeleteEvidence(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE id = ?`, id)
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

// DeleteEvidenceBefore removes records archived before t and returns how
// many were removed.
func (s *Store) DeleteEvidenceBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE archived_at < ?`, t.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
