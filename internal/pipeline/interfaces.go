package pipeline

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves the raw page for a target.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (RawPage, error)
}

// RecordStore is the persistence gateway for stored records.
type RecordStore interface {
	// Known returns the subset of fps already present in storage.
	Known(ctx context.Context, fps []Fingerprint) (KnownSet, error)
	// UpsertBatch commits every record in one transaction or none of them.
	UpsertBatch(ctx context.Context, batch []Fingerprinted, seenAt time.Time) ([]StoredRecord, error)
	// Touch bumps last_seen for records that were seen again.
	Touch(ctx context.Context, fps []Fingerprint, seenAt time.Time) error
	Count(ctx context.Context) (int, error)
	Close()
}

// ListQuery narrows a listing. An empty TargetID matches every target and a
// non-positive Limit uses the store's default.
type ListQuery struct {
	TargetID string
	Limit    int
}

// ReportStore persists finalised run reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report RunReport) error
	// ListReports returns matching reports, newest first.
	ListReports(ctx context.Context, q ListQuery) ([]RunReport, error)
}

// RecordLister reads stored records back, most recently seen first.
type RecordLister interface {
	ListRecords(ctx context.Context, q ListQuery) ([]StoredRecord, error)
}

// Notifier tells humans about records that are new this run.
type Notifier interface {
	Notify(ctx context.Context, report RunReport, records []StoredRecord) (NotifyResult, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
