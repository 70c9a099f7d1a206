package sink

import (
	iface "TrafficDensity/interface"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// History records every run, its densities and its skipped cameras in SQLite.
type History struct {
	db *sql.DB
	mu sync.RWMutex
}

func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return h, nil
}

func (h *History) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS densities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		camera_id TEXT NOT NULL,
		density REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS skips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		camera TEXT NOT NULL,
		camera_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_densities_run_id ON densities(run_id);
	CREATE INDEX IF NOT EXISTS idx_densities_camera_id ON densities(camera_id);
	CREATE INDEX IF NOT EXISTS idx_skips_run_id ON skips(run_id);
	`
	_, err := h.db.Exec(schema)
	return err
}

func (h *History) Persist(ctx context.Context, report *iface.Report) error {
	if report == nil {
		return fmt.Errorf("nil report")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at)
		VALUES (?, ?, ?)
	`, report.RunID, report.StartedAt, report.FinishedAt); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for id, d := range report.Densities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO densities (run_id, camera_id, density)
			VALUES (?, ?, ?)
		`, report.RunID, id, d); err != nil {
			return fmt.Errorf("failed to insert density: %w", err)
		}
	}
	for _, s := range report.Skipped {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skips (run_id, camera, camera_id, reason, error)
			VALUES (?, ?, ?, ?, ?)
		`, report.RunID, s.Camera, s.CameraID, s.Reason, s.Error); err != nil {
			return fmt.Errorf("failed to insert skip: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]iface.Report, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	var reports []iface.Report
	for rows.Next() {
		var r iface.Report
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		reports = append(reports, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range reports {
		if err := h.fill(ctx, &reports[i]); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func (h *History) fill(ctx context.Context, r *iface.Report) error {
	r.Densities = make(map[string]float64)
	rows, err := h.db.QueryContext(ctx, `SELECT camera_id, density FROM densities WHERE run_id = ?`, r.RunID)
	if err != nil {
		return fmt.Errorf("failed to query densities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var d float64
		if err := rows.Scan(&id, &d); err != nil {
			return fmt.Errorf("failed to scan density: %w", err)
		}
		r.Densities[id] = d
	}

	r.Skipped = make([]iface.Skip, 0)
	skipRows, err := h.db.QueryContext(ctx, `
		SELECT camera, camera_id, reason, error FROM skips WHERE run_id = ? ORDER BY id
	`, r.RunID)
	if err != nil {
		return fmt.Errorf("failed to query skips: %w", err)
	}
	defer skipRows.Close()
	for skipRows.Next() {
		var s iface.Skip
		if err := skipRows.Scan(&s.Camera, &s.CameraID, &s.Reason, &s.Error); err != nil {
			return fmt.Errorf("failed to scan skip: %w", err)
		}
		r.Skipped = append(r.Skipped, s)
	}
	return nil
}

// Series returns the densities of one camera since the given time, oldest first.
func (h *History) Series(ctx context.Context, cameraID string, since time.Time) ([]Point, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rows, err := h.db.QueryContext(ctx, `
		SELECT r.started_at, d.density
		FROM densities d JOIN runs r ON r.run_id = d.run_id
		WHERE d.camera_id = ? AND r.started_at >= ?
		ORDER BY r.started_at
	`, cameraID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.At, &p.Density); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

type Point struct {
	At      time.Time `json:"at"`
	Density float64   `json:"density"`
}

func (h *History) Close() error {
	return h.db.Close()
}
