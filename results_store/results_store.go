package resultsstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	benchmarkorchestrator "github.com/Octogonapus/PipelineBenchmark/benchmark_orchestrator"
	_ "modernc.org/sqlite"
)

// SQLite history of benchmark runs, so results can be compared across runs and hosts.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// One data set's outcome in one run.
type DataSetResult struct {
	RunID     string
	Host      string
	StartedAt time.Time
	Normal    int
	Failed    int
	MeanSec   sql.NullFloat64
	StdDevSec sql.NullFloat64
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.Close()
}

// Saves a whole report in one transaction.
func (s *Store) SaveReport(ctx context.Context, rep *benchmarkorchestrator.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (id, host, started_at, ended_at) VALUES (?, ?, ?, ?)`,
		rep.RunID, rep.Host, rep.StartTime.UTC().Format(time.RFC3339Nano), rep.EndTime.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving run %s: %w", rep.RunID, err)
	}

	for _, ds := range rep.DataSets {
		var mean, std sql.NullFloat64
		samples := 0
		if ds.Summary != nil {
			mean = sql.NullFloat64{Float64: ds.Summary.Mean, Valid: true}
			std = sql.NullFloat64{Float64: ds.Summary.StdDev, Valid: true}
			samples = len(ds.Summary.Samples)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO data_sets
			(run_id, name, stage, skip_download, script_source, data_path, mean_sec, std_dev_sec, samples, summary_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.RunID, ds.Name, ds.Stage, ds.SkipDownload, ds.ScriptSource, ds.DataPath, mean, std, samples, ds.SummaryError)
		if err != nil {
			return fmt.Errorf("saving data set %s: %w", ds.Name, err)
		}

		for _, it := range ds.Iterations {
			_, err = tx.ExecContext(ctx, `INSERT INTO iterations
				(run_id, data_set, idx, status, work_dir, result_log_path, error, wall_time_sec, reused_scripts)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rep.RunID, ds.Name, it.Index, it.Status, it.WorkDir, it.ResultLogPath, it.Error, it.WallTimeSec, it.ReusedScripts)
			if err != nil {
				return fmt.Errorf("saving iteration %d of %s: %w", it.Index, ds.Name, err)
			}
		}
	}

	return tx.Commit()
}

// Every recorded run of the data set, oldest first.
func (s *Store) History(ctx context.Context, dataSet string) ([]DataSetResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.host, r.started_at, d.mean_sec, d.std_dev_sec,
			(SELECT COUNT(*) FROM iterations i WHERE i.run_id = r.id AND i.data_set = d.name AND i.status = 'normal'),
			(SELECT COUNT(*) FROM iterations i WHERE i.run_id = r.id AND i.data_set = d.name AND i.status = 'failure')
		FROM data_sets d JOIN runs r ON r.id = d.run_id
		WHERE d.name = ?
		ORDER BY r.started_at`, dataSet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []DataSetResult{}
	for rows.Next() {
		var res DataSetResult
		var startedAt string
		err = rows.Scan(&res.RunID, &res.Host, &startedAt, &res.MeanSec, &res.StdDevSec, &res.Normal, &res.Failed)
		if err != nil {
			return nil, err
		}
		res.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s has a malformed start time: %w", res.RunID, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
