// Package notify tells people about records that are new in a run.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/pipeline"
)

const (
	providerSendGrid = "sendgrid"
	sendEndpoint     = "/v3/mail/send"
)

// EmailConfig configures the SendGrid notifier.
type EmailConfig struct {
	APIKey        string
	From          string
	FromName      string
	To            []string
	SubjectPrefix string
	// Host overrides the SendGrid API base URL. Empty uses the public API.
	Host    string
	Timeout time.Duration
}

// Validate checks the sender and recipient addresses.
func (c EmailConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("sendgrid api key is required"))
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		errs = append(errs, fmt.Errorf("from address %q: %w", c.From, err))
	}
	if len(c.To) == 0 {
		errs = append(errs, errors.New("at least one recipient is required"))
	}
	for _, to := range c.To {
		if _, err := mail.ParseAddress(to); err != nil {
			errs = append(errs, fmt.Errorf("recipient %q: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// Email sends a summary of new records through SendGrid.
type Email struct {
	cfg    EmailConfig
	from   *sgmail.Email
	to     []*sgmail.Email
	opts   options
	logger *zap.Logger
}

// NewEmail validates cfg and builds the notifier.
func NewEmail(cfg EmailConfig, logger *zap.Logger, opts ...Option) (*Email, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid email config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	fromAddr, _ := mail.ParseAddress(cfg.From)
	name := cfg.FromName
	if name == "" {
		name = fromAddr.Name
	}
	e := &Email{
		cfg:    cfg,
		from:   sgmail.NewEmail(name, fromAddr.Address),
		opts:   newOptions(opts),
		logger: logger.Named("notify.email"),
	}
	for _, to := range cfg.To {
		addr, _ := mail.ParseAddress(to)
		e.to = append(e.to, sgmail.NewEmail(addr.Name, addr.Address))
	}
	return e, nil
}

// Notify sends one message listing records. Nothing is sent when no record
// is left after filtering.
func (e *Email) Notify(
	ctx context.Context,
	report pipeline.RunReport,
	records []pipeline.StoredRecord,
) (pipeline.NotifyResult, error) {
	records = e.opts.filter(records)
	if len(records) == 0 {
		return pipeline.NotifyResult{}, nil
	}
	summary := NewSummary(report, records, WithStatuses(e.opts.statuses), WithClock(e.opts.now))
	text, html, err := Render(summary)
	if err != nil {
		return pipeline.NotifyResult{}, &pipeline.NotifyError{Provider: providerSendGrid, Err: err}
	}

	msg := sgmail.NewV3Mail()
	msg.SetFrom(e.from)
	msg.Subject = summary.Subject(e.cfg.SubjectPrefix)
	p := sgmail.NewPersonalization()
	p.AddTos(e.to...)
	msg.AddPersonalizations(p)
	msg.AddContent(
		sgmail.NewContent("text/plain", text),
		sgmail.NewContent("text/html", html),
	)

	request := sendgrid.GetRequest(e.cfg.APIKey, sendEndpoint, e.cfg.Host)
	request.Method = rest.Post
	request.Body = sgmail.GetRequestBody(msg)

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	resp, err := sendgrid.MakeRequestWithContext(sendCtx, request)
	if err != nil {
		metrics.ObserveNotification("error")
		return pipeline.NotifyResult{}, &pipeline.NotifyError{Provider: providerSendGrid, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		metrics.ObserveNotification("rejected")
		return pipeline.NotifyResult{}, &pipeline.NotifyError{
			Provider: providerSendGrid,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(resp.Body)),
		}
	}

	metrics.ObserveNotification("sent")
	result := pipeline.NotifyResult{Sent: true, Recipients: len(e.to)}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		result.ProviderID = ids[0]
	}
	e.logger.Info("notification sent",
		zap.String("target_id", report.TargetID),
		zap.String("run_id", report.ID),
		zap.Int("records", len(records)),
		zap.Int("recipients", result.Recipients),
		zap.String("message_id", result.ProviderID),
	)
	return result, nil
}

func truncateBody(body string) string {
	const limit = 256
	body = strings.TrimSpace(body)
	if len(body) > limit {
		return body[:limit] + "..."
	}
	return body
}
