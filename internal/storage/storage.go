package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite-backed run ledger.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers from the runner and the server
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
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS stage_runs (
            id TEXT PRIMARY KEY,
            stage TEXT NOT NULL,
            target TEXT,
            method TEXT,
            status TEXT NOT NULL,
            params_json TEXT,
            counts_json TEXT,
            started_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS subject_outcomes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            subject TEXT NOT NULL,
            scan TEXT,
            status TEXT NOT NULL,
            outputs_json TEXT,
            error_message TEXT,
            duration_ms INTEGER,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_subject_outcomes_run ON subject_outcomes(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_subject_outcomes_subject ON subject_outcomes(subject);`,
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

// RunRecord captures one stage invocation over a batch of subjects.
type RunRecord struct {
	ID          string            `json:"id"`
	Stage       string            `json:"stage"`
	Target      string            `json:"target,omitempty"`
	Method      string            `json:"method,omitempty"`
	Status      string            `json:"status"`
	Params      map[string]string `json:"params,omitempty"`
	Counts      map[string]int    `json:"counts,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// OutcomeRecord captures one subject's result within a run.
type OutcomeRecord struct {
	RunID      string    `json:"run_id"`
	Subject    string    `json:"subject"`
	Scan       string    `json:"scan,omitempty"`
	Status     string    `json:"status"`
	Outputs    []string  `json:"outputs,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordRunStart inserts a running stage run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	params, _ := json.Marshal(rec.Params)
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO stage_runs (id, stage, target, method, status, params_json, started_at) VALUES (?, ?, ?, ?, 'running', ?, ?);`,
		rec.ID, rec.Stage, rec.Target, rec.Method, string(params), rec.StartedAt)
	return err
}

// RecordRunResult finalizes a run with status and per-status counts.
func (s *Store) RecordRunResult(id, status string, counts map[string]int, errMsg string) error {
	if s == nil {
		return nil
	}
	countsJSON, _ := json.Marshal(counts)
	_, err := s.DB.Exec(`UPDATE stage_runs SET status=?, counts_json=?, completed_at=?, error_message=? WHERE id=?;`,
		status, string(countsJSON), time.Now().UTC(), errMsg, id)
	return err
}

// RecordOutcome appends one subject outcome to a run.
func (s *Store) RecordOutcome(rec OutcomeRecord) error {
	if s == nil {
		return nil
	}
	outputs, _ := json.Marshal(rec.Outputs)
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO subject_outcomes (run_id, subject, scan, status, outputs_json, error_message, duration_ms, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Subject, rec.Scan, rec.Status, string(outputs), rec.Error, rec.DurationMS, rec.RecordedAt)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, stage, target, method, status, params_json, counts_json, started_at, completed_at, error_message FROM stage_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, stage, target, method, status, params_json, counts_json, started_at, completed_at, error_message FROM stage_runs WHERE id=?;`, id)
	return scanRun(row)
}

// Outcomes lists the outcomes of a run in recording order.
func (s *Store) Outcomes(runID string) ([]OutcomeRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, subject, scan, status, outputs_json, error_message, duration_ms, recorded_at FROM subject_outcomes WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var scan, outputs, errorMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Subject, &scan, &rec.Status, &outputs, &errorMsg, &rec.DurationMS, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Scan = scan.String
		rec.Error = errorMsg.String
		if outputs.Valid && outputs.String != "" {
			if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var target, method, params, counts, errorMsg sql.NullString
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Stage, &target, &method, &rec.Status, &params, &counts, &rec.StartedAt, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.Target = target.String
	rec.Method = method.String
	rec.Error = errorMsg.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
			return rec, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if counts.Valid && counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &rec.Counts); err != nil {
			return rec, fmt.Errorf("unmarshal counts: %w", err)
		}
	}
	return rec, nil
}
