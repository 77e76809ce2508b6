// Package store persists analyses and their detections in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
	"github.com/traffic-vision/overlay-monitor/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// FrameRate converts frame numbers to timestamps when a detection carries none.
const FrameRate = 30.0

// ErrNotFound is returned when an analysis id does not exist.
var ErrNotFound = errors.New("analysis not found")

// Status is the processing state of an analysis.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Analysis is one processed (or in-progress) video.
type Analysis struct {
	ID           string    `json:"id"`
	VideoName    string    `json:"video_name"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Record is a detection together with the frame it came from.
type Record struct {
	FrameNumber int
	types.Detection
}

// Store wraps the SQLite handle.
type Store struct {
	db  *sql.DB
	log logger.Component
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps the
	// foreign_keys pragma in effect for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, log: logger.For("Store")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{s.log}
	// m.Close would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{ log logger.Component }

func (l migrateLogger) Printf(format string, v ...interface{}) { l.log.Debug(format, v...) }
func (l migrateLogger) Verbose() bool                          { return false }

// CreateAnalysis inserts a pending analysis and returns it.
func (s *Store) CreateAnalysis(ctx context.Context, videoName string) (Analysis, error) {
	a := Analysis{
		ID:        uuid.NewString(),
		VideoName: videoName,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, video_name, status, progress, created_at) VALUES (?, ?, ?, 0, ?)`,
		a.ID, a.VideoName, string(a.Status), a.CreatedAt)
	if err != nil {
		return Analysis{}, fmt.Errorf("create analysis: %w", err)
	}
	s.log.Info("Created analysis %s for %s", a.ID, videoName)
	return a, nil
}

// Analysis loads one analysis by id.
func (s *Store) Analysis(ctx context.Context, id string) (Analysis, error) {
	var (
		a      Analysis
		status string
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, video_name, status, progress, error_message, created_at FROM analyses WHERE id = ?`, id,
	).Scan(&a.ID, &a.VideoName, &status, &a.Progress, &errMsg, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Analysis{}, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Analysis{}, fmt.Errorf("load analysis %s: %w", id, err)
	}
	a.Status = Status(status)
	a.ErrorMessage = errMsg.String
	return a, nil
}

// UpdateProgress stores the processing percentage, clamped to [0, 100].
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64) error {
	progress = min(max(progress, 0), 100)
	return s.exec1(ctx, id, `UPDATE analyses SET progress = ?, status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END WHERE id = ?`, progress, id)
}

// SetStatus moves the analysis to status. errMsg is stored only for
// StatusFailed; completing an analysis also pins progress at 100.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	var msg sql.NullString
	if status == StatusFailed {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	query := `UPDATE analyses SET status = ?, error_message = ? WHERE id = ?`
	if status == StatusCompleted {
		query = `UPDATE analyses SET status = ?, error_message = ?, progress = 100 WHERE id = ?`
	}
	if err := s.exec1(ctx, id, query, string(status), msg, id); err != nil {
		return err
	}
	s.log.Info("Analysis %s is now %s", id, status)
	return nil
}

func (s *Store) exec1(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update analysis %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertDetections appends recs to the analysis in one transaction.
// A record with no timestamp gets FrameNumber/FrameRate.
func (s *Store) InsertDetections(ctx context.Context, analysisID string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO detections
		(analysis_id, frame_number, timestamp, vehicle_type, confidence, bbox_x1, bbox_y1, bbox_x2, bbox_y2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		ts := r.Timestamp
		if ts == 0 && r.FrameNumber > 0 {
			ts = float64(r.FrameNumber) / FrameRate
		}
		if _, err := stmt.ExecContext(ctx, analysisID, r.FrameNumber, ts, r.Type.String(),
			r.Confidence, r.X1, r.Y1, r.X2, r.Y2); err != nil {
			return fmt.Errorf("insert detection (frame %d): %w", r.FrameNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Debug("Stored %d detections for %s", len(recs), analysisID)
	return nil
}

// Detections returns every detection of the analysis ordered by timestamp.
// Rows whose vehicle type no longer parses are skipped.
func (s *Store) Detections(ctx context.Context, analysisID string) ([]types.Detection, error) {
	if _, err := s.Analysis(ctx, analysisID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, vehicle_type, confidence, bbox_x1, bbox_y1, bbox_x2, bbox_y2
		FROM detections WHERE analysis_id = ? ORDER BY timestamp, id`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	dets := []types.Detection{}
	skipped := 0
	for rows.Next() {
		var (
			d  types.Detection
			vt string
		)
		if err := rows.Scan(&d.Timestamp, &vt, &d.Confidence, &d.X1, &d.Y1, &d.X2, &d.Y2); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		t, ok := types.ParseVehicleType(vt)
		if !ok {
			skipped++
			continue
		}
		d.Type = t
		dets = append(dets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	if skipped > 0 {
		s.log.Warn("Skipped %d detections with unknown vehicle type in %s", skipped, analysisID)
	}
	return dets, nil
}
