package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence of calibration runs and results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// serialise writers; SQLite allows one at a time
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibration_runs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            options_json TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS calibration_results (
            run_id TEXT NOT NULL,
            idx INTEGER NOT NULL,
            measurement_id TEXT,
            survey TEXT,
            filter TEXT,
            mag REAL,
            mag_err REAL,
            flux REAL,
            flux_err REAL,
            zp REAL,
            error_message TEXT,
            PRIMARY KEY (run_id, idx)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_results_survey ON calibration_results(survey, filter);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ResultRecord is one calibrated (or failed) measurement of a run.
// Non-finite values are stored as NULL and read back as NaN.
type ResultRecord struct {
	RunID         string  `json:"run_id"`
	Index         int     `json:"index"`
	MeasurementID string  `json:"id,omitempty"`
	Survey        string  `json:"survey"`
	Filter        string  `json:"filter"`
	Magnitude     float64 `json:"mag"`
	MagnitudeErr  float64 `json:"mag_err"`
	Flux          float64 `json:"flux"`
	FluxErr       float64 `json:"flux_err"`
	ZeroPoint     float64 `json:"zp"`
	Error         string  `json:"error,omitempty"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO calibration_runs (id, job_type, status, input_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE calibration_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE calibration_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=?, meta_json=? WHERE id=?;`,
		status, errMsg, string(metaJSON), id)
	return err
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// RecordResults stores the per-measurement outcomes of a run in one
// transaction.
func (s *Store) RecordResults(recs []ResultRecord) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO calibration_results (run_id, idx, measurement_id, survey, filter, mag, mag_err, flux, flux_err, zp, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.RunID, r.Index, r.MeasurementID, r.Survey, r.Filter,
			nullable(r.Magnitude), nullable(r.MagnitudeErr), nullable(r.Flux), nullable(r.FluxErr), nullable(r.ZeroPoint),
			r.Error); err != nil {
			return fmt.Errorf("result %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, options_json, created_at, started_at, completed_at, error_message FROM calibration_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var input, options, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &options, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.InputPath = input.String
		rec.OptionsJSON = options.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunResults returns the stored outcomes of a run in measurement order.
func (s *Store) RunResults(runID string) ([]ResultRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, idx, measurement_id, survey, filter, mag, mag_err, flux, flux_err, zp, error_message FROM calibration_results WHERE run_id=? ORDER BY idx;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ResultRecord
	for rows.Next() {
		var r ResultRecord
		var mid, errorMsg sql.NullString
		var mag, magErr, flux, fluxErr, zp sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.Index, &mid, &r.Survey, &r.Filter, &mag, &magErr, &flux, &fluxErr, &zp, &errorMsg); err != nil {
			return nil, err
		}
		r.MeasurementID = mid.String
		r.Error = errorMsg.String
		r.Magnitude, r.MagnitudeErr = fromNullable(mag), fromNullable(magErr)
		r.Flux, r.FluxErr, r.ZeroPoint = fromNullable(flux), fromNullable(fluxErr), fromNullable(zp)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// RunMeta fetches the summary blob of a finished run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON sql.NullString
	err := s.DB.QueryRow(`SELECT meta_json FROM calibration_runs WHERE id=?;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	if !metaJSON.Valid {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
