package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is one row of the recent-runs report.
type RunSummary struct {
	RunID     string `json:"runId"`
	Collector string `json:"collector"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime,omitempty"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Succeeded int    `json:"itemsSucceeded"`
	Failed    int    `json:"itemsFailed"`
	Records   int    `json:"recordsInserted"`
	Retries   int    `json:"retries"`
	ModelRun  string `json:"modelRun,omitempty"`
	ErrMsg    string `json:"error,omitempty"`
}

// ItemDetail is one item row within a run.
type ItemDetail struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Status  string `json:"status"`
	Records int    `json:"recordsInserted"`
	Retries int    `json:"retries"`
	ErrMsg  string `json:"error,omitempty"`
}

// RunDetail is a run plus its items, for the drill-down endpoint.
type RunDetail struct {
	RunSummary
	Items []ItemDetail `json:"items"`
}

// RecentRuns returns runs that started within the past window, newest first.
// collector filters by exact name when non-empty; failuresOnly limits the
// report to failed and partial runs.
func RecentRuns(ctx context.Context, d *db.DB, window time.Duration, collector string, failuresOnly bool) ([]RunSummary, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339)

	query := `
		SELECT run_id, collector, start_time, end_time, status, exit_code,
		       total_items_succeeded, total_items_failed,
		       total_records_inserted, total_retries, model_run, error_message
		FROM collector_runs
		WHERE start_time > ?`
	args := []any{cutoff}

	if collector != "" {
		query += " AND collector = ?"
		args = append(args, collector)
	}
	if failuresOnly {
		query += " AND status IN ('failed', 'partial')"
	}
	query += " ORDER BY start_time DESC"

	rows, err := d.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var endTime, modelRun, errMsg sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(&s.RunID, &s.Collector, &s.StartTime, &endTime, &s.Status,
			&exitCode, &s.Succeeded, &s.Failed, &s.Records, &s.Retries,
			&modelRun, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		s.EndTime = endTime.String
		s.ModelRun = modelRun.String
		s.ErrMsg = errMsg.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			s.ExitCode = &code
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetRun returns a single run with its items, or ErrRunNotFound if the run id
// is unknown.
func GetRun(ctx context.Context, d *db.DB, runID string) (*RunDetail, error) {
	row := d.SQL().QueryRowContext(ctx, `
		SELECT run_id, collector, start_time, end_time, status, exit_code,
		       total_items_succeeded, total_items_failed,
		       total_records_inserted, total_retries, model_run, error_message
		FROM collector_runs WHERE run_id = ?`, runID)

	var detail RunDetail
	var endTime, modelRun, errMsg sql.NullString
	var exitCode sql.NullInt64
	if err := row.Scan(&detail.RunID, &detail.Collector, &detail.StartTime, &endTime,
		&detail.Status, &exitCode, &detail.Succeeded, &detail.Failed,
		&detail.Records, &detail.Retries, &modelRun, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	detail.EndTime = endTime.String
	detail.ModelRun = modelRun.String
	detail.ErrMsg = errMsg.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		detail.ExitCode = &code
	}

	rows, err := d.SQL().QueryContext(ctx, `
		SELECT item_name, item_type, status, records_inserted, retry_count, error_message
		FROM collector_run_items WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item ItemDetail
		var itemType, itemErr sql.NullString
		if err := rows.Scan(&item.Name, &itemType, &item.Status,
			&item.Records, &item.Retries, &itemErr); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		item.Type = itemType.String
		item.ErrMsg = itemErr.String
		detail.Items = append(detail.Items, item)
	}
	return &detail, rows.Err()
}
