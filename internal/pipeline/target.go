package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateURL rejects anything that is not an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrMalformedURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrMalformedURL)
	}
	return nil
}

// Validate checks the parts of a target the pipeline depends on.
func (t Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target id is required")
	}
	if err := ValidateURL(t.URL); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	switch t.Strategy {
	case "", StrategySimple, StrategyBrowser, StrategyAuto:
	default:
		return fmt.Errorf("target %s: unknown strategy %q", t.ID, t.Strategy)
	}
	return nil
}

// EffectiveStrategy returns the strategy with the simple default applied.
func (t Target) EffectiveStrategy() Strategy {
	if t.Strategy == "" {
		return StrategySimple
	}
	return t.Strategy
}
