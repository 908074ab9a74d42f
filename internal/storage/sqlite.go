package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ppiankov/aegisforge/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore archives runs in a SQLite database. Records are stored as
// JSON payloads next to the columns used for lookup and ordering.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			payload = excluded.payload
	`, run.RunID, run.StartedAt.UnixNano(), payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunSummary{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunSummary{}, false, nil
	}
	if err != nil {
		return model.RunSummary{}, false, err
	}

	var run model.RunSummary
	if err := json.Unmarshal(payload, &run); err != nil {
		return model.RunSummary{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM runs ORDER BY started_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run model.RunSummary
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) SaveGeneration(ctx context.Context, runID string, stats model.GenerationStats, evaluations []model.Evaluation) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode generation %d: %w", stats.Generation, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO generations (run_id, generation, best_fitness, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, generation) DO UPDATE SET
			best_fitness = excluded.best_fitness,
			payload = excluded.payload
	`, runID, stats.Generation, stats.BestFitness, payload); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM evaluations WHERE run_id = ? AND generation = ?`, runID, stats.Generation); err != nil {
		return err
	}
	for rank, ev := range evaluations {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode evaluation %s: %w", ev.Genome.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluations (run_id, generation, rank, genome_id, total, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, stats.Generation, rank, ev.Genome.ID, ev.Score.Total, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetGenerations(ctx context.Context, runID string) ([]model.GenerationStats, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM generations WHERE run_id = ? ORDER BY generation`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var gens []model.GenerationStats
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		var stats model.GenerationStats
		if err := json.Unmarshal(payload, &stats); err != nil {
			return nil, false, fmt.Errorf("decode generation: %w", err)
		}
		gens = append(gens, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return gens, len(gens) > 0, nil
}

func (s *SQLiteStore) GetEvaluations(ctx context.Context, runID string, generation int) ([]model.Evaluation, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM evaluations
		WHERE run_id = ? AND generation = ?
		ORDER BY rank
	`, runID, generation)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var evs []model.Evaluation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		var ev model.Evaluation
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, false, fmt.Errorf("decode evaluation: %w", err)
		}
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return evs, len(evs) > 0, nil
}

func (s *SQLiteStore) SaveChampion(ctx context.Context, runID string, champion model.Evaluation) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(champion)
	if err != nil {
		return fmt.Errorf("encode champion %s: %w", champion.Genome.ID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO champions (run_id, genome_id, total, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			genome_id = excluded.genome_id,
			total = excluded.total,
			payload = excluded.payload
	`, runID, champion.Genome.ID, champion.Score.Total, payload)
	return err
}

func (s *SQLiteStore) GetChampion(ctx context.Context, runID string) (model.Evaluation, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Evaluation{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM champions WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Evaluation{}, false, nil
	}
	if err != nil {
		return model.Evaluation{}, false, err
	}

	var champion model.Evaluation
	if err := json.Unmarshal(payload, &champion); err != nil {
		return model.Evaluation{}, false, fmt.Errorf("decode champion %s: %w", runID, err)
	}
	return champion, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS generations (
			run_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			best_fitness REAL NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, generation)
		);
		CREATE TABLE IF NOT EXISTS evaluations (
			run_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			genome_id TEXT NOT NULL,
			total REAL NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, generation, genome_id)
		);
		CREATE TABLE IF NOT EXISTS champions (
			run_id TEXT PRIMARY KEY,
			genome_id TEXT NOT NULL,
			total REAL NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
