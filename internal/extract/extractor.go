// Package extract turns fetched pages into candidate records using
// configurable CSS selector rules.
package extract

import (
	"bytes"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Extractor applies compiled rules to raw pages. It is safe for concurrent use.
type Extractor struct {
	sanitizer *bluemonday.Policy
	markdown  *converter.Converter
}

// New builds an Extractor.
func New() *Extractor {
	return &Extractor{
		sanitizer: bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal)),
			),
		),
	}
}

// Extract lazily yields one candidate per item matched by rule. Items that
// miss a required field or hold an unparseable value yield a
// *pipeline.ExtractWarning instead. Every range over the result parses the
// page again, so the sequence can be replayed.
func (e *Extractor) Extract(page pipeline.RawPage, rule *Compiled) iter.Seq2[pipeline.CandidateRecord, error] {
	return func(yield func(pipeline.CandidateRecord, error) bool) {
		if len(bytes.TrimSpace(page.Body)) == 0 {
			return
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
		if err != nil {
			yield(pipeline.CandidateRecord{}, fmt.Errorf("parse page: %w", err))
			return
		}
		baseURL, _ := url.Parse(page.BaseURL())

		items := doc.FindMatcher(rule.item)
		for i := range items.Length() {
			rec, warn := e.extractItem(items.Eq(i), rule, page, baseURL, i)
			if warn != nil {
				if !yield(pipeline.CandidateRecord{}, warn) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (e *Extractor) extractItem(
	item *goquery.Selection,
	rule *Compiled,
	page pipeline.RawPage,
	baseURL *url.URL,
	index int,
) (pipeline.CandidateRecord, *pipeline.ExtractWarning) {
	fields := make(map[string]any, len(rule.fields))
	for _, f := range rule.fields {
		warn := func(reason string) *pipeline.ExtractWarning {
			return &pipeline.ExtractWarning{TargetID: page.TargetID, Index: index, Field: f.Name, Reason: reason}
		}

		raw, found := e.rawValue(item, f)
		if strings.TrimSpace(raw) == "" {
			found = false
		}
		if !found && f.Default != "" {
			raw, found = f.Default, true
		}
		if !found {
			if f.Required {
				return pipeline.CandidateRecord{}, warn("required field missing")
			}
			continue
		}

		value, err := e.convert(f, raw, baseURL)
		if err != nil {
			if f.Required {
				return pipeline.CandidateRecord{}, warn(err.Error())
			}
			continue
		}
		fields[f.Name] = value
	}
	if len(fields) == 0 {
		return pipeline.CandidateRecord{}, &pipeline.ExtractWarning{
			TargetID: page.TargetID, Index: index, Reason: "no fields extracted",
		}
	}
	return pipeline.CandidateRecord{
		TargetID:  page.TargetID,
		SourceURL: page.BaseURL(),
		Fields:    fields,
		Identity:  append([]string(nil), rule.Identity...),
		ScrapedAt: page.FetchedAt,
	}, nil
}

func (e *Extractor) rawValue(item *goquery.Selection, f compiledField) (string, bool) {
	sel := item
	if f.sel != nil {
		sel = item.FindMatcher(f.sel).First()
	}
	if sel.Length() == 0 {
		return "", false
	}
	if f.Attr != "" {
		return sel.Attr(f.Attr)
	}
	if f.Type == TypeHTML || f.Type == TypeMarkdown {
		html, err := sel.Html()
		if err != nil {
			return "", false
		}
		return html, true
	}
	return sel.Text(), true
}

func (e *Extractor) convert(f compiledField, raw string, baseURL *url.URL) (any, error) {
	switch f.Type {
	case TypeNumber:
		return ParseAmount(raw)
	case TypePercent:
		return ParsePercent(raw)
	case TypeDate:
		return ParseDate(raw)
	case TypeURL:
		return resolveURL(baseURL, raw)
	case TypeHTML:
		return Truncate(strings.TrimSpace(e.sanitizer.Sanitize(raw)), f.MaxLen), nil
	case TypeMarkdown:
		clean := e.sanitizer.Sanitize(raw)
		var (
			md  string
			err error
		)
		if baseURL != nil && baseURL.Host != "" {
			md, err = e.markdown.ConvertString(clean, converter.WithDomain(baseURL.Scheme+"://"+baseURL.Host))
		} else {
			md, err = e.markdown.ConvertString(clean)
		}
		if err != nil {
			return nil, fmt.Errorf("convert markdown: %w", err)
		}
		return Truncate(strings.TrimSpace(md), f.MaxLen), nil
	default:
		return Truncate(CleanText(raw), f.MaxLen), nil
	}
}

func resolveURL(baseURL *url.URL, raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if baseURL != nil {
		ref = baseURL.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("url %q is not http(s)", ref.String())
	}
	return ref.String(), nil
}
