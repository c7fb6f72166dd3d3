package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Known returns the subset of fps already stored.
func (s *Store) Known(ctx context.Context, fps []pipeline.Fingerprint) (pipeline.KnownSet, error) {
	known := make(pipeline.KnownSet, len(fps))
	if len(fps) == 0 {
		return known, nil
	}
	query := fmt.Sprintf(`SELECT fingerprint FROM %s WHERE fingerprint = ANY($1)`, s.records)
	rows, err := s.pool.Query(ctx, query, fingerprintStrings(fps))
	if err != nil {
		return nil, classify("known", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, classify("known scan", err)
		}
		known[pipeline.Fingerprint(fp)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("known rows", err)
	}
	return known, nil
}

// UpsertBatch inserts absent records and bumps last_seen on present ones, all
// inside one transaction. Any failure rolls the whole batch back.
func (s *Store) UpsertBatch(
	ctx context.Context,
	batch []pipeline.Fingerprinted,
	seenAt time.Time,
) (stored []pipeline.StoredRecord, err error) {
	if len(batch) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, target_id, source_url, fields, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (fingerprint) DO UPDATE
	SET last_seen = GREATEST(%s.last_seen, EXCLUDED.last_seen)
RETURNING fingerprint, target_id, source_url, fields, first_seen, last_seen, (xmax = 0) AS inserted`,
		s.records, s.records)

	stored = make([]pipeline.StoredRecord, 0, len(batch))
	for _, item := range batch {
		fieldsJSON, mErr := json.Marshal(item.Record.Fields)
		if mErr != nil {
			return nil, fmt.Errorf("marshal fields for %s: %w", item.Fingerprint, mErr)
		}
		var (
			rec       pipeline.StoredRecord
			fp        string
			rawFields []byte
		)
		scanErr := tx.QueryRow(ctx, query,
			string(item.Fingerprint),
			item.Record.TargetID,
			item.Record.SourceURL,
			fieldsJSON,
			seenAt,
		).Scan(&fp, &rec.TargetID, &rec.SourceURL, &rawFields, &rec.FirstSeen, &rec.LastSeen, &rec.Created)
		if scanErr != nil {
			return nil, classify("upsert", scanErr)
		}
		rec.Fingerprint = pipeline.Fingerprint(fp)
		if uErr := json.Unmarshal(rawFields, &rec.Fields); uErr != nil {
			return nil, fmt.Errorf("decode fields for %s: %w", fp, uErr)
		}
		stored = append(stored, rec)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, classify("commit", err)
	}
	return stored, nil
}

// Touch sets last_seen for records seen again in a run.
func (s *Store) Touch(ctx context.Context, fps []pipeline.Fingerprint, seenAt time.Time) error {
	if len(fps) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET last_seen = GREATEST(last_seen, $2) WHERE fingerprint = ANY($1)`, s.records)
	if _, err := s.pool.Exec(ctx, query, fingerprintStrings(fps), seenAt); err != nil {
		return classify("touch", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.records)).Scan(&n); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

// ListRecords returns matching records ordered by last_seen, newest first.
func (s *Store) ListRecords(ctx context.Context, q pipeline.ListQuery) ([]pipeline.StoredRecord, error) {
	query := fmt.Sprintf(`SELECT fingerprint, target_id, source_url, fields, first_seen, last_seen FROM %s
WHERE ($1 = '' OR target_id = $1)
ORDER BY last_seen DESC, fingerprint LIMIT $2`, s.records)
	rows, err := s.pool.Query(ctx, query, q.TargetID, listLimit(q.Limit))
	if err != nil {
		return nil, classify("list records", err)
	}
	defer rows.Close()

	var out []pipeline.StoredRecord
	for rows.Next() {
		var (
			rec       pipeline.StoredRecord
			fp        string
			rawFields []byte
		)
		if err := rows.Scan(&fp, &rec.TargetID, &rec.SourceURL, &rawFields, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return nil, classify("list records scan", err)
		}
		rec.Fingerprint = pipeline.Fingerprint(fp)
		if err := json.Unmarshal(rawFields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode fields for %s: %w", fp, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list records rows", err)
	}
	return out, nil
}

func listLimit(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}

func fingerprintStrings(fps []pipeline.Fingerprint) []string {
	out := make([]string, len(fps))
	for i, fp := range fps {
		out[i] = string(fp)
	}
	return out
}
