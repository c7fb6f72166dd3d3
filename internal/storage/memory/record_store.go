package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// ErrInjectedFailure is returned once a configured FailAfter budget is spent.
var ErrInjectedFailure = errors.New("injected storage failure")

// Store is an in-memory RecordStore, ReportStore and RecordLister. Batches
// are applied to a private copy of the record map and swapped in only when
// every record has been written, so readers never observe a half-applied
// batch.
type Store struct {
	mu      sync.RWMutex
	records map[pipeline.Fingerprint]pipeline.StoredRecord
	reports []pipeline.RunReport
	closed  bool

	// FailAfter makes UpsertBatch fail after writing this many records of a
	// batch. Zero or negative disables injection.
	FailAfter int
	// KnownErr, when set, is returned by Known.
	KnownErr error

	upserts int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[pipeline.Fingerprint]pipeline.StoredRecord)}
}

// Known returns the subset of fps that are already stored.
func (s *Store) Known(ctx context.Context, fps []pipeline.Fingerprint) (pipeline.KnownSet, error) {
	if err := s.check(ctx, "known"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.KnownErr != nil {
		return nil, &pipeline.PersistenceError{Kind: pipeline.ConnectionFailure, Op: "known", Err: s.KnownErr}
	}
	known := make(pipeline.KnownSet)
	for _, fp := range fps {
		if _, ok := s.records[fp]; ok {
			known[fp] = struct{}{}
		}
	}
	return known, nil
}

// UpsertBatch inserts new fingerprints and bumps last_seen on existing ones.
// Either the whole batch becomes visible or none of it does.
func (s *Store) UpsertBatch(
	ctx context.Context,
	batch []pipeline.Fingerprinted,
	seenAt time.Time,
) ([]pipeline.StoredRecord, error) {
	if err := s.check(ctx, "upsert batch"); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	seenAt = seenAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++

	next := maps.Clone(s.records)
	out := make([]pipeline.StoredRecord, 0, len(batch))
	for i, item := range batch {
		if s.FailAfter > 0 && i >= s.FailAfter {
			return nil, &pipeline.PersistenceError{
				Kind: pipeline.ConnectionFailure,
				Op:   "upsert batch",
				Err:  fmt.Errorf("after %d of %d records: %w", i, len(batch), ErrInjectedFailure),
			}
		}
		if item.Fingerprint == "" {
			return nil, &pipeline.PersistenceError{
				Kind: pipeline.ConstraintViolation,
				Op:   "upsert batch",
				Err:  errors.New("empty fingerprint"),
			}
		}
		if existing, ok := next[item.Fingerprint]; ok {
			if seenAt.After(existing.LastSeen) {
				existing.LastSeen = seenAt
			}
			next[item.Fingerprint] = existing
			existing.Created = false
			existing.Fields = maps.Clone(existing.Fields)
			out = append(out, existing)
			continue
		}
		rec := pipeline.StoredRecord{
			Fingerprint: item.Fingerprint,
			TargetID:    item.Record.TargetID,
			SourceURL:   item.Record.SourceURL,
			Fields:      maps.Clone(item.Record.Fields),
			FirstSeen:   seenAt,
			LastSeen:    seenAt,
		}
		next[item.Fingerprint] = rec
		rec.Created = true
		rec.Fields = maps.Clone(rec.Fields)
		out = append(out, rec)
	}
	s.records = next
	return out, nil
}

// Touch bumps last_seen for fingerprints that exist. Unknown ones are ignored.
func (s *Store) Touch(ctx context.Context, fps []pipeline.Fingerprint, seenAt time.Time) error {
	if err := s.check(ctx, "touch"); err != nil {
		return err
	}
	seenAt = seenAt.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range fps {
		rec, ok := s.records[fp]
		if !ok || !seenAt.After(rec.LastSeen) {
			continue
		}
		rec.LastSeen = seenAt
		s.records[fp] = rec
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.check(ctx, "count"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Records returns every stored record ordered by first_seen then fingerprint.
func (s *Store) Records() []pipeline.StoredRecord {
	s.mu.RLock()
	out := slices.Collect(maps.Values(s.records))
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b pipeline.StoredRecord) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		if a.Fingerprint < b.Fingerprint {
			return -1
		}
		if a.Fingerprint > b.Fingerprint {
			return 1
		}
		return 0
	})
	return out
}

// Upserts reports how many UpsertBatch calls reached the store.
func (s *Store) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

// SaveReport appends a finalised report. Saving the same ID twice is a no-op.
func (s *Store) SaveReport(ctx context.Context, report pipeline.RunReport) error {
	if err := s.check(ctx, "save report"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.ID == report.ID {
			return nil
		}
	}
	report.Errors = slices.Clone(report.Errors)
	report.Warnings = slices.Clone(report.Warnings)
	s.reports = append(s.reports, report)
	return nil
}

// ListReports returns up to q.Limit matching reports, newest first.
func (s *Store) ListReports(ctx context.Context, q pipeline.ListQuery) ([]pipeline.RunReport, error) {
	if err := s.check(ctx, "list reports"); err != nil {
		return nil, err
	}
	limit := listLimit(q.Limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.RunReport, 0, min(limit, len(s.reports)))
	for i := len(s.reports) - 1; i >= 0 && len(out) < limit; i-- {
		if q.TargetID != "" && s.reports[i].TargetID != q.TargetID {
			continue
		}
		out = append(out, s.reports[i])
	}
	return out, nil
}

// ListRecords returns up to q.Limit matching records ordered by last_seen,
// newest first.
func (s *Store) ListRecords(ctx context.Context, q pipeline.ListQuery) ([]pipeline.StoredRecord, error) {
	if err := s.check(ctx, "list records"); err != nil {
		return nil, err
	}
	all := s.Records()
	slices.SortStableFunc(all, func(a, b pipeline.StoredRecord) int {
		return b.LastSeen.Compare(a.LastSeen)
	})
	limit := listLimit(q.Limit)
	out := make([]pipeline.StoredRecord, 0, min(limit, len(all)))
	for _, rec := range all {
		if len(out) == limit {
			break
		}
		if q.TargetID != "" && rec.TargetID != q.TargetID {
			continue
		}
		rec.Fields = maps.Clone(rec.Fields)
		out = append(out, rec)
	}
	return out, nil
}

func listLimit(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}

// Close marks the store closed. Later calls fail with a connection failure.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &pipeline.PersistenceError{Kind: pipeline.ConnectionFailure, Op: op, Err: err}
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return &pipeline.PersistenceError{Kind: pipeline.ConnectionFailure, Op: op, Err: errors.New("store closed")}
	}
	return nil
}
