// Package pipeline defines the core types shared by every stage of a scrape run.
package pipeline

import (
	"net/http"
	"time"
)

// Strategy selects how a target's page is retrieved.
type Strategy string

// Supported fetch strategies.
const (
	StrategySimple  Strategy = "simple"
	StrategyBrowser Strategy = "browser"
	// StrategyAuto fetches over plain HTTP and escalates to the browser when
	// the page looks like an unrendered script shell.
	StrategyAuto Strategy = "auto"
)

// Target describes a configured scrape source. It is immutable for the
// lifetime of a run.
type Target struct {
	ID            string
	Name          string
	URL           string
	Strategy      Strategy
	Rule          string
	Disabled      bool
	RespectRobots bool
	Headers       http.Header
	// Schedule optionally overrides the global trigger for this target.
	Schedule string
}

// RawPage is the fetched content of a target plus transport metadata.
type RawPage struct {
	TargetID   string
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
	Strategy   Strategy
	Attempts   int
}

// Size reports the body length in bytes.
func (p RawPage) Size() int {
	return len(p.Body)
}

// BaseURL returns the URL relative links on the page resolve against.
func (p RawPage) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// FieldScrapedAt is the volatile timestamp attached to every candidate. It never
// contributes to a fingerprint.
const FieldScrapedAt = "scraped_at"

// CandidateRecord is a structured item extracted from a RawPage. Field values
// are string, float64 or time.Time.
type CandidateRecord struct {
	TargetID  string
	SourceURL string
	Fields    map[string]any
	// Identity names the identity-bearing fields. Empty means every
	// non-volatile field.
	Identity  []string
	ScrapedAt time.Time
}

// Fingerprint is the hex encoded content identity of a candidate.
type Fingerprint string

// Fingerprinted pairs a candidate with its computed identity.
type Fingerprinted struct {
	Fingerprint Fingerprint
	Record      CandidateRecord
}

// StoredRecord is the durable representation of a record.
type StoredRecord struct {
	Fingerprint Fingerprint    `json:"fingerprint"`
	TargetID    string         `json:"target_id"`
	SourceURL   string         `json:"source_url"`
	Fields      map[string]any `json:"fields"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	// Created is true only when the upsert that returned this value inserted it.
	Created bool `json:"-"`
}

// KnownSet is a read-only snapshot of fingerprints already in storage.
type KnownSet map[Fingerprint]struct{}

// Has reports whether fp is part of the snapshot.
func (k KnownSet) Has(fp Fingerprint) bool {
	_, ok := k[fp]
	return ok
}

// NotifyResult describes the outcome of a notification attempt.
type NotifyResult struct {
	Sent       bool
	Recipients int
	ProviderID string
}
