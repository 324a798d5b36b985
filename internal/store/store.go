// Package store persists analysis reports to PostgreSQL. Persistence is
// optional: with no database configured the application runs entirely on
// file reports, and nothing in the analysis path depends on this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound reports a run id with no stored report.
var ErrRunNotFound = errors.New("run not found")

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides the PostgreSQL report repository.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS webspark_runs (
    run_id UUID PRIMARY KEY,
    macro_name TEXT NOT NULL,
    macro_url TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    total_selectors INTEGER NOT NULL DEFAULT 0,
    successful_clicks INTEGER NOT NULL DEFAULT 0,
    tealium_active_clicks INTEGER NOT NULL DEFAULT 0,
    tealium_coverage DOUBLE PRECISION NOT NULL DEFAULT 0,
    page_info JSONB,
    load_events JSONB NOT NULL DEFAULT '[]',
    error TEXT
);`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS webspark_action_results (
    run_id UUID NOT NULL REFERENCES webspark_runs(run_id) ON DELETE CASCADE,
    run_order INTEGER NOT NULL,
    action_id INTEGER NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    selector TEXT NOT NULL DEFAULT '',
    success BOOLEAN NOT NULL,
    error TEXT,
    tealium_events JSONB NOT NULL DEFAULT '[]',
    vendors_in_network JSONB NOT NULL DEFAULT '{}',
    network_beacons JSONB NOT NULL DEFAULT '[]',
    page_calls JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (run_id, run_order)
);`

const createRunsIndex = `
CREATE INDEX IF NOT EXISTS webspark_runs_started_at_idx
    ON webspark_runs (started_at DESC);`

// EnsureSchema creates the report tables when they do not exist yet. It is
// safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{createRunsTable, createResultsTable, createRunsIndex} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensuring report schema: %w", err)
		}
	}
	return nil
}

const insertRunSQL = `
INSERT INTO webspark_runs
    (run_id, macro_name, macro_url, started_at, total_selectors,
     successful_clicks, tealium_active_clicks, tealium_coverage,
     page_info, load_events, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`

var resultColumns = []string{
	"run_id", "run_order", "action_id", "description", "selector",
	"success", "error", "tealium_events", "vendors_in_network",
	"network_beacons", "page_calls",
}

// SaveReport persists a finished report, run row and action rows, in one
// transaction. Partial reports from aborted runs are stored the same way;
// their error column marks them.
func (s *Store) SaveReport(ctx context.Context, report *schemas.AnalysisReport) error {
	if report == nil {
		return errors.New("report cannot be nil")
	}
	if report.RunID == "" {
		return errors.New("report has no run id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; that is
		// the normal path, not a failure worth logging.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	pageInfo, err := jsonOrNull(report.PageInfo)
	if err != nil {
		return fmt.Errorf("encoding page info: %w", err)
	}
	loadEvents, err := jsonOrLiteral(report.LoadEvents, "[]")
	if err != nil {
		return fmt.Errorf("encoding load events: %w", err)
	}

	_, err = tx.Exec(ctx, insertRunSQL,
		report.RunID, report.MacroName, report.MacroURL,
		report.Timestamp.UTC(),
		report.TotalSelectors, report.SuccessfulClicks,
		report.TealiumActiveClicks, report.TealiumCoverage,
		pageInfo, loadEvents, textOrNull(report.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	if len(report.SelectorResults) > 0 {
		rows := make([][]interface{}, len(report.SelectorResults))
		for i, r := range report.SelectorResults {
			events, err := jsonOrLiteral(r.TealiumEvents, "[]")
			if err != nil {
				return fmt.Errorf("encoding events of action %d: %w", r.ActionID, err)
			}
			vendorsJSON, err := jsonOrLiteral(r.VendorsInNetwork, "{}")
			if err != nil {
				return fmt.Errorf("encoding vendors of action %d: %w", r.ActionID, err)
			}
			beacons, err := jsonOrLiteral(r.Beacons, "[]")
			if err != nil {
				return fmt.Errorf("encoding beacons of action %d: %w", r.ActionID, err)
			}
			calls, err := jsonOrLiteral(r.PageCalls, "[]")
			if err != nil {
				return fmt.Errorf("encoding page calls of action %d: %w", r.ActionID, err)
			}
			rows[i] = []interface{}{
				report.RunID, i, r.ActionID, r.Description, r.Selector,
				r.Success, r.Error, events, vendorsJSON, beacons, calls,
			}
		}

		copied, err := tx.CopyFrom(ctx,
			pgx.Identifier{"webspark_action_results"}, resultColumns,
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy action results: %w", err)
		}
		if int(copied) != len(rows) {
			return fmt.Errorf("mismatch in copied result count: expected %d, got %d", len(rows), copied)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Report persisted.",
		zap.String("run_id", report.RunID),
		zap.Int("results", len(report.SelectorResults)))
	return nil
}

const selectRunSQL = `
SELECT macro_name, macro_url, started_at, total_selectors,
       successful_clicks, tealium_active_clicks, tealium_coverage,
       page_info, load_events, error
FROM webspark_runs
WHERE run_id = $1;`

const selectResultsSQL = `
SELECT action_id, description, selector, success, error,
       tealium_events, vendors_in_network, network_beacons, page_calls
FROM webspark_action_results
WHERE run_id = $1
ORDER BY run_order ASC;`

// GetReport reassembles the stored report for a run.
func (s *Store) GetReport(ctx context.Context, runID string) (*schemas.AnalysisReport, error) {
	rows, err := s.pool.Query(ctx, selectRunSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading run row: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	report := &schemas.AnalysisReport{RunID: runID}
	var (
		pageInfo   []byte
		loadEvents []byte
		runErr     *string
	)
	if err := rows.Scan(
		&report.MacroName, &report.MacroURL, &report.Timestamp,
		&report.TotalSelectors, &report.SuccessfulClicks,
		&report.TealiumActiveClicks, &report.TealiumCoverage,
		&pageInfo, &loadEvents, &runErr,
	); err != nil {
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}
	rows.Close()

	if len(pageInfo) > 0 {
		var info schemas.PageTagInfo
		if err := json.Unmarshal(pageInfo, &info); err != nil {
			return nil, fmt.Errorf("decoding page info: %w", err)
		}
		report.PageInfo = &info
	}
	if len(loadEvents) > 0 {
		if err := json.Unmarshal(loadEvents, &report.LoadEvents); err != nil {
			return nil, fmt.Errorf("decoding load events: %w", err)
		}
	}
	if runErr != nil {
		report.Error = *runErr
	}

	results, err := s.getResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	report.SelectorResults = results
	return report, nil
}

func (s *Store) getResults(ctx context.Context, runID string) ([]schemas.ActionResult, error) {
	rows, err := s.pool.Query(ctx, selectResultsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action results: %w", err)
	}
	defer rows.Close()

	results := []schemas.ActionResult{}
	for rows.Next() {
		var (
			r       schemas.ActionResult
			events  []byte
			vendors []byte
			beacons []byte
			calls   []byte
		)
		if err := rows.Scan(
			&r.ActionID, &r.Description, &r.Selector, &r.Success, &r.Error,
			&events, &vendors, &beacons, &calls,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		if err := json.Unmarshal(events, &r.TealiumEvents); err != nil {
			return nil, fmt.Errorf("decoding events of action %d: %w", r.ActionID, err)
		}
		if err := json.Unmarshal(vendors, &r.VendorsInNetwork); err != nil {
			return nil, fmt.Errorf("decoding vendors of action %d: %w", r.ActionID, err)
		}
		if len(beacons) > 0 {
			if err := json.Unmarshal(beacons, &r.Beacons); err != nil {
				return nil, fmt.Errorf("decoding beacons of action %d: %w", r.ActionID, err)
			}
		}
		if len(calls) > 0 {
			if err := json.Unmarshal(calls, &r.PageCalls); err != nil {
				return nil, fmt.Errorf("decoding page calls of action %d: %w", r.ActionID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during result iteration: %w", err)
	}
	return results, nil
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	MacroName        string    `json:"macro_name"`
	MacroURL         string    `json:"macro_url"`
	StartedAt        time.Time `json:"started_at"`
	TotalSelectors   int       `json:"total_selectors"`
	SuccessfulClicks int       `json:"successful_clicks"`
	TealiumCoverage  float64   `json:"tealium_coverage"`
	Error            string    `json:"error,omitempty"`
}

const listRunsSQL = `
SELECT run_id, macro_name, macro_url, started_at,
       total_selectors, successful_clicks, tealium_coverage, error
FROM webspark_runs
ORDER BY started_at DESC
LIMIT $1;`

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var (
			sum    RunSummary
			runErr *string
		)
		if err := rows.Scan(
			&sum.RunID, &sum.MacroName, &sum.MacroURL, &sum.StartedAt,
			&sum.TotalSelectors, &sum.SuccessfulClicks, &sum.TealiumCoverage,
			&runErr,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		if runErr != nil {
			sum.Error = *runErr
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during run iteration: %w", err)
	}
	return summaries, nil
}

// jsonOrLiteral marshals v, substituting the given literal when the value
// is nil so jsonb columns never receive SQL-visible nulls.
func jsonOrLiteral(v interface{}, literal string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(literal), nil
	}
	return data, nil
}

// jsonOrNull marshals v, mapping nil to a database NULL.
func jsonOrNull(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func textOrNull(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
