// Package memory persists run outcomes and retrieves similar past runs to
// advise planning. Advice never gates the workflow; it only annotates it.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"patchline/internal/domain"
)

// ErrNotFound is returned when no summary exists for a work item id.
var ErrNotFound = errors.New("run summary not found")

// Store reads and writes run_summaries. Writes go through an upsert keyed by
// work_item_id, so re-running an item replaces its row.
type Store struct {
	DB *sql.DB
}

// Filter narrows QueryRuns. Zero values mean "any".
type Filter struct {
	Repo        string
	Status      string
	FailureMode string
}

// Save upserts a run summary.
func (s Store) Save(ctx context.Context, sum domain.RunSummary) error {
	tags, err := json.Marshal(sum.DomainTags)
	if err != nil {
		return fmt.Errorf("marshal domain tags: %w", err)
	}
	var exit any
	if sum.TestExitCode != nil {
		exit = *sum.TestExitCode
	}
	var mode any
	if sum.FailureMode != "" {
		mode = sum.FailureMode
	}
	_, err = s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO run_summaries
		(work_item_id, repo_name, task_raw, ticket_title, domain_tags, risk_level,
		 final_status, implement_attempts, test_exit_code, failure_mode, completed_at, run_dir)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		sum.WorkItemID, sum.RepoName, sum.TaskRaw, sum.TicketTitle, string(tags), sum.RiskLevel,
		string(sum.FinalStatus), sum.ImplementAttempts, exit, mode, sum.CompletedAt, sum.RunDir)
	if err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

// QueryRuns returns summaries matching the filter, most recent first.
func (s Store) QueryRuns(ctx context.Context, f Filter, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT work_item_id, repo_name, task_raw, ticket_title, COALESCE(domain_tags,'[]'),
		risk_level, final_status, implement_attempts, test_exit_code, COALESCE(failure_mode,''),
		completed_at, run_dir FROM run_summaries WHERE 1=1`
	var params []any
	if f.Repo != "" {
		query += " AND repo_name = ?"
		params = append(params, f.Repo)
	}
	if f.Status != "" {
		query += " AND final_status = ?"
		params = append(params, f.Status)
	}
	if f.FailureMode != "" {
		query += " AND failure_mode = ?"
		params = append(params, f.FailureMode)
	}
	query += " ORDER BY completed_at DESC LIMIT ?"
	params = append(params, limit)

	rows, err := s.DB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.RunSummary
	for rows.Next() {
		var r domain.RunSummary
		var tags, status string
		var exit sql.NullInt64
		if err := rows.Scan(&r.WorkItemID, &r.RepoName, &r.TaskRaw, &r.TicketTitle, &tags,
			&r.RiskLevel, &status, &r.ImplementAttempts, &exit, &r.FailureMode,
			&r.CompletedAt, &r.RunDir); err != nil {
			return nil, err
		}
		r.FinalStatus = domain.Status(status)
		if exit.Valid {
			code := int(exit.Int64)
			r.TestExitCode = &code
		}
		if err := json.Unmarshal([]byte(tags), &r.DomainTags); err != nil {
			return nil, fmt.Errorf("parse domain tags for %s: %w", r.WorkItemID, err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Get returns one summary by work item id.
func (s Store) Get(ctx context.Context, workItemID string) (domain.RunSummary, error) {
	var r domain.RunSummary
	var tags, status string
	var exit sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT work_item_id, repo_name, task_raw, ticket_title,
		COALESCE(domain_tags,'[]'), risk_level, final_status, implement_attempts, test_exit_code,
		COALESCE(failure_mode,''), completed_at, run_dir
		FROM run_summaries WHERE work_item_id = ?`, workItemID).
		Scan(&r.WorkItemID, &r.RepoName, &r.TaskRaw, &r.TicketTitle, &tags,
			&r.RiskLevel, &status, &r.ImplementAttempts, &exit, &r.FailureMode,
			&r.CompletedAt, &r.RunDir)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunSummary{}, ErrNotFound
	}
	if err != nil {
		return domain.RunSummary{}, err
	}
	r.FinalStatus = domain.Status(status)
	if exit.Valid {
		code := int(exit.Int64)
		r.TestExitCode = &code
	}
	if err := json.Unmarshal([]byte(tags), &r.DomainTags); err != nil {
		return domain.RunSummary{}, fmt.Errorf("parse domain tags: %w", err)
	}
	return r, nil
}

// Stats aggregates the stored run history.
func (s Store) Stats(ctx context.Context) (domain.MemoryStats, error) {
	var st domain.MemoryStats
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_summaries`).Scan(&st.TotalRuns); err != nil {
		return st, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_summaries WHERE final_status = 'DELIVERED'`).Scan(&st.SuccessfulRuns); err != nil {
		return st, err
	}
	var avg sql.NullFloat64
	if err := s.DB.QueryRowContext(ctx, `SELECT AVG(implement_attempts) FROM run_summaries`).Scan(&avg); err != nil {
		return st, err
	}
	if avg.Valid {
		st.AvgAttempts = avg.Float64
	}
	if st.TotalRuns > 0 {
		st.SuccessRate = float64(st.SuccessfulRuns) / float64(st.TotalRuns) * 100
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT failure_mode, COUNT(*) FROM run_summaries
		WHERE failure_mode IS NOT NULL AND failure_mode != ''
		GROUP BY failure_mode ORDER BY COUNT(*) DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	st.FailureModes = map[string]int{}
	for rows.Next() {
		var mode string
		var count int
		if err := rows.Scan(&mode, &count); err != nil {
			return st, err
		}
		st.FailureModes[mode] = count
	}
	return st, rows.Err()
}
