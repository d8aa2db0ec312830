package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sim-capture/internal/dataset"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// StateRunning marks a session that has not finished.
const StateRunning = "RUNNING"

// SessionRow is one catalogued session.
type SessionRow struct {
	ID             string
	Dir            string
	Layout         string
	Scenario       string
	Map            string
	VehicleModel   string
	DurationS      float64
	CaptureFreqHz  float64
	Weather        string
	TimeOfDay      string
	StartedAt      time.Time
	FinishedAt     *time.Time
	State          string
	Reason         string
	Error          string
	FramesPlanned  int
	FramesCaptured int
	Forced         bool
	RateViolations int
	Stalls         int
	SaveFailures   int
}

// Catalogue records sessions as the dataset writer produces them.
type Catalogue struct {
	db *DB
}

var _ dataset.Indexer = (*Catalogue)(nil)

// NewCatalogue uses an already migrated database.
func NewCatalogue(db *DB) *Catalogue {
	return &Catalogue{db: db}
}

// OpenCatalogue opens or creates the catalogue at path and migrates it.
func OpenCatalogue(path string) (*Catalogue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalogue directory: %w", err)
	}
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return NewCatalogue(db), nil
}

// DB exposes the underlying database.
func (c *Catalogue) DB() *DB { return c.db }

// Close closes the database.
func (c *Catalogue) Close() error { return c.db.Close() }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// StartSession inserts the session row.
func (c *Catalogue) StartSession(ctx context.Context, info dataset.SessionInfo) error {
	cfgJSON, err := json.Marshal(info.Config)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	cfg := info.Config
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, dir, layout, scenario, map, vehicle_model,
			duration_s, capture_freq_hz, weather, time_of_day,
			config_json, started_unix, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Dir, info.Layout, cfg.Scenario, cfg.Map, cfg.Vehicle.Model,
		cfg.DurationS, cfg.CaptureFreqHz, cfg.Weather, cfg.Time,
		string(cfgJSON), unixSeconds(info.StartedAt), StateRunning,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", info.ID, err)
	}
	return nil
}

// RecordFrame inserts a frame and its artifacts in one transaction.
func (c *Catalogue) RecordFrame(ctx context.Context, sessionID string, rec dataset.FrameRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode frame %d metadata: %w", rec.Index, err)
	}
	var simTime sql.NullFloat64
	if t, ok := rec.Float("time"); ok {
		simTime = sql.NullFloat64{Float64: t, Valid: true}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frames (session_id, frame_index, sim_time, metadata_json) VALUES (?, ?, ?, ?)`,
		sessionID, rec.Index, simTime, string(meta),
	); err != nil {
		return fmt.Errorf("insert frame %d: %w", rec.Index, err)
	}
	for _, a := range rec.Artifacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (session_id, frame_index, camera, channel, path) VALUES (?, ?, ?, ?, ?)`,
			sessionID, rec.Index, a.Camera, a.Channel, a.Path,
		); err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.Path, err)
		}
	}
	return tx.Commit()
}

// FinishSession records the final state of a session.
func (c *Catalogue) FinishSession(ctx context.Context, sessionID string, s dataset.Summary) error {
	finished := s.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE sessions SET
			finished_unix = ?, state = ?, reason = ?, error = ?,
			frames_planned = ?, frames_captured = ?, forced = ?,
			rate_violations = ?, stalls = ?, save_failures = ?
		WHERE session_id = ?`,
		unixSeconds(finished), s.State, s.Reason, s.Error,
		s.FramesPlanned, s.FramesCaptured, s.Forced,
		s.RateViolations, s.Stalls, s.SaveFailures,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

const sessionColumns = `
	session_id, dir, layout, scenario, map, vehicle_model,
	duration_s, capture_freq_hz, weather, time_of_day,
	started_unix, finished_unix, state, reason, error,
	frames_planned, frames_captured, forced, rate_violations, stalls, save_failures`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*SessionRow, error) {
	var (
		s        SessionRow
		started  float64
		finished sql.NullFloat64
	)
	err := r.Scan(
		&s.ID, &s.Dir, &s.Layout, &s.Scenario, &s.Map, &s.VehicleModel,
		&s.DurationS, &s.CaptureFreqHz, &s.Weather, &s.TimeOfDay,
		&started, &finished, &s.State, &s.Reason, &s.Error,
		&s.FramesPlanned, &s.FramesCaptured, &s.Forced, &s.RateViolations, &s.Stalls, &s.SaveFailures,
	)
	if err != nil {
		return nil, err
	}
	s.StartedAt = fromUnixSeconds(started)
	if finished.Valid {
		t := fromUnixSeconds(finished.Float64)
		s.FinishedAt = &t
	}
	return &s, nil
}

// GetSession returns one session.
func (c *Catalogue) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// ListSessions returns the most recent sessions first. limit <= 0 returns all.
func (c *Catalogue) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_unix DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// FrameCount returns how many frames are catalogued for a session.
func (c *Catalogue) FrameCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// Artifacts lists a session's artifacts in frame order.
func (c *Catalogue) Artifacts(ctx context.Context, sessionID string) ([]dataset.Artifact, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT camera, channel, path FROM artifacts
		WHERE session_id = ? ORDER BY frame_index, camera, channel`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dataset.Artifact
	for rows.Next() {
		var a dataset.Artifact
		if err := rows.Scan(&a.Camera, &a.Channel, &a.Path); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteSession removes a session with its frames and artifacts.
func (c *Catalogue) DeleteSession(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
