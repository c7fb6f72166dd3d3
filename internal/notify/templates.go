package notify

import (
	"fmt"
	htmltemplate "html/template"
	"maps"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/JakeFAU/harvest/internal/pipeline"
	"github.com/JakeFAU/harvest/internal/status"
)

// Option customises how notifiers present and filter records.
type Option func(*options)

type options struct {
	statuses    status.Policies
	now         func() time.Time
	skipExpired bool
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithStatuses shows each record's status, computed from its target's policy.
func WithStatuses(p status.Policies) Option {
	return func(o *options) { o.statuses = p }
}

// WithClock sets the time statuses are computed at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// SkipExpired leaves out records whose application window has already
// closed. A run with only expired records sends nothing.
func SkipExpired() Option {
	return func(o *options) { o.skipExpired = true }
}

// filter drops records the options exclude.
func (o options) filter(records []pipeline.StoredRecord) []pipeline.StoredRecord {
	if !o.skipExpired || o.statuses == nil {
		return records
	}
	now := o.now()
	out := make([]pipeline.StoredRecord, 0, len(records))
	for _, rec := range records {
		if o.statuses.For(rec, now) != status.Expired {
			out = append(out, rec)
		}
	}
	return out
}

// Summary is the view model rendered into notification bodies.
type Summary struct {
	TargetID   string
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	New        int
	Duplicate  int
	Warnings   int
	Records    []RecordView
}

// RecordView is one new record as shown to a reader.
type RecordView struct {
	Title     string
	SourceURL string
	Status    string // empty when the target has no date policy
	Fields    []FieldView
}

// FieldView is one name/value pair of a record.
type FieldView struct {
	Name  string
	Value string
}

var titleFields = []string{"title", "name", "titolo"}

// NewSummary builds the view model for a finished run.
func NewSummary(report pipeline.RunReport, records []pipeline.StoredRecord, opts ...Option) Summary {
	o := newOptions(opts)
	now := o.now()
	s := Summary{
		TargetID:   report.TargetID,
		RunID:      report.ID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		New:        len(records),
		Duplicate:  report.Duplicate,
		Warnings:   len(report.Warnings),
		Records:    make([]RecordView, 0, len(records)),
	}
	for _, rec := range records {
		view := RecordView{
			SourceURL: rec.SourceURL,
			Title:     string(rec.Fingerprint),
			Status:    o.statuses.For(rec, now).Label(),
		}
		titleKey := ""
		for _, k := range titleFields {
			if v, ok := rec.Fields[k]; ok {
				view.Title = formatValue(v)
				titleKey = k
				break
			}
		}
		for _, name := range slices.Sorted(maps.Keys(rec.Fields)) {
			if name == titleKey || name == pipeline.FieldScrapedAt {
				continue
			}
			view.Fields = append(view.Fields, FieldView{Name: name, Value: formatValue(rec.Fields[name])})
		}
		s.Records = append(s.Records, view)
	}
	return s
}

// Subject renders the e-mail subject line.
func (s Summary) Subject(prefix string) string {
	noun := "records"
	if s.New == 1 {
		noun = "record"
	}
	subject := fmt.Sprintf("%d new %s from %s", s.New, noun, s.TargetID)
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		subject = prefix + " " + subject
	}
	return subject
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format("2006-01-02")
	case float64:
		return fmt.Sprintf("%.2f", val)
	default:
		return fmt.Sprint(val)
	}
}

const textBody = `{{.New}} new records were found for {{.TargetID}}.
{{range .Records}}
- {{.Title}}{{if .Status}} [{{.Status}}]{{end}}
{{- if .SourceURL}}
  {{.SourceURL}}
{{- end}}
{{- range .Fields}}
  {{.Name}}: {{.Value}}
{{- end}}
{{end}}
Run {{.RunID}}: {{.Duplicate}} already known, {{.Warnings}} warnings.
`

const htmlBody = `<p>{{.New}} new records were found for <strong>{{.TargetID}}</strong>.</p>
<ul>
{{- range .Records}}
<li>
{{- if .SourceURL}}<a href="{{.SourceURL}}">{{.Title}}</a>{{else}}{{.Title}}{{end}}
{{- if .Status}} <em>{{.Status}}</em>{{end}}
{{- if .Fields}}
<dl>
{{- range .Fields}}<dt>{{.Name}}</dt><dd>{{.Value}}</dd>{{end}}
</dl>
{{- end}}
</li>
{{- end}}
</ul>
<p>Run {{.RunID}}: {{.Duplicate}} already known, {{.Warnings}} warnings.</p>
`

var (
	textTemplate = template.Must(template.New("text").Parse(textBody))
	htmlTemplate = htmltemplate.Must(htmltemplate.New("html").Parse(htmlBody))
)

// Render produces the plain text and HTML bodies for s.
func Render(s Summary) (text, html string, err error) {
	var tb, hb strings.Builder
	if err := textTemplate.Execute(&tb, s); err != nil {
		return "", "", fmt.Errorf("render text body: %w", err)
	}
	if err := htmlTemplate.Execute(&hb, s); err != nil {
		return "", "", fmt.Errorf("render html body: %w", err)
	}
	return tb.String(), hb.String(), nil
}
