package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// SaveReport stores a finalised run report. Reports are immutable, so saving
// the same ID twice keeps the first copy.
func (s *Store) SaveReport(ctx context.Context, report pipeline.RunReport) error {
	if report.ID == "" {
		return fmt.Errorf("report id is required")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, target_id, state, started_at, finished_at, report)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, s.reports)
	if _, err := s.pool.Exec(ctx, query,
		report.ID,
		report.TargetID,
		string(report.State),
		report.StartedAt,
		report.FinishedAt,
		body,
	); err != nil {
		return classify("save report", err)
	}
	return nil
}

// ListReports returns the most recent matching reports, newest first. The
// target filter runs in SQL so the limit applies to that target's history.
func (s *Store) ListReports(ctx context.Context, q pipeline.ListQuery) ([]pipeline.RunReport, error) {
	query := fmt.Sprintf(`SELECT report FROM %s
WHERE ($1 = '' OR target_id = $1)
ORDER BY started_at DESC LIMIT $2`, s.reports)
	rows, err := s.pool.Query(ctx, query, q.TargetID, listLimit(q.Limit))
	if err != nil {
		return nil, classify("list reports", err)
	}
	defer rows.Close()

	var reports []pipeline.RunReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classify("list reports scan", err)
		}
		var report pipeline.RunReport
		if err := json.Unmarshal(body, &report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list reports rows", err)
	}
	return reports, nil
}
