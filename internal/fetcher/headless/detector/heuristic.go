// Package detector decides when a page fetched over plain HTTP is a script
// shell that only a browser can fill in.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

const (
	defaultMinTextRunes = 200
	scriptSharePercent  = 25
)

// Frameworks mount into these roots and ship them empty.
const shellRoots = "#root, #app, #__next, #__nuxt, [data-reactroot], [ng-app], [ng-version]"

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// MinTextRunes is the visible text below which a script-heavy page is
	// treated as unrendered.
	MinTextRunes int
}

// NewHeuristic creates a new detector. A non-positive minText uses the default.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = defaultMinTextRunes
	}
	return &Heuristic{MinTextRunes: minText}
}

// Promote reports whether page needs a browser fetch and why.
func (h *Heuristic) Promote(page pipeline.RawPage) (bool, string) {
	if page.StatusCode != 0 && page.StatusCode != http.StatusOK {
		return false, ""
	}
	body := bytes.TrimSpace(page.Body)
	if len(body) == 0 {
		return true, "empty body"
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false, ""
	}

	if root := doc.Find(shellRoots).First(); root.Length() > 0 && strings.TrimSpace(root.Text()) == "" {
		return true, "empty application root"
	}

	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			scripts += len(html)
		}
	})
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	if utf8.RuneCountInString(text) < h.MinTextRunes && scripts*100/len(body) >= scriptSharePercent {
		return true, "little text, mostly script"
	}
	return false, ""
}
