package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	numberPattern   = regexp.MustCompile(`\d[\d.]*(?:,\d+)?`)
	amountPattern   = regexp.MustCompile(`(?i)(\d[\d.]*(?:,\d+)?)(?:\s*(miliard[oi]|milion[ei]|mln|mila)\b)?`)
	percentPattern  = regexp.MustCompile(`(\d+(?:[.,]\d+)*)\s*%`)
	dmyPattern      = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})\b`)
	ymdPattern      = regexp.MustCompile(`\b(\d{4})[/.-](\d{1,2})[/.-](\d{1,2})\b`)
	wordDatePattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th|°)?\s+([a-zà-ü]+)\.?\s+(\d{4})\b`)
)

var monthNames = map[string]time.Month{
	"gennaio": time.January, "gen": time.January, "january": time.January, "jan": time.January,
	"febbraio": time.February, "feb": time.February, "february": time.February,
	"marzo": time.March, "mar": time.March, "march": time.March,
	"aprile": time.April, "apr": time.April, "april": time.April,
	"maggio": time.May, "mag": time.May, "may": time.May,
	"giugno": time.June, "giu": time.June, "june": time.June, "jun": time.June,
	"luglio": time.July, "lug": time.July, "july": time.July, "jul": time.July,
	"agosto": time.August, "ago": time.August, "august": time.August, "aug": time.August,
	"settembre": time.September, "set": time.September, "september": time.September, "sep": time.September, "sept": time.September,
	"ottobre": time.October, "ott": time.October, "october": time.October, "oct": time.October,
	"novembre": time.November, "nov": time.November, "november": time.November,
	"dicembre": time.December, "dic": time.December, "december": time.December, "dec": time.December,
}

var magnitudes = map[string]float64{
	"miliardi": 1e9,
	"miliardo": 1e9,
	"milioni":  1e6,
	"milione":  1e6,
	"mln":      1e6,
	"mila":     1e3,
}

// ParseAmount reads a euro amount written the Italian way: dots group
// thousands and a comma marks decimals. "€ 1.000.000,50" is 1000000.5 and
// "1,5 milioni" is 1500000. A magnitude word only counts when it directly
// follows the number.
func ParseAmount(s string) (float64, error) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("no number in %q", s)
	}
	v, err := decimal(m[1])
	if err != nil {
		return 0, err
	}
	if mult, ok := magnitudes[strings.ToLower(m[2])]; ok {
		v *= mult
	}
	return v, nil
}

// ParsePercent reads values such as "50 %" or "12,5%". The number right
// before the percent sign wins; without a sign the first number is used.
func ParsePercent(s string) (float64, error) {
	var (
		v   float64
		err error
	)
	if m := percentPattern.FindStringSubmatch(s); m != nil {
		raw := m[1]
		// "12.5%" uses a decimal point, not a thousands separator.
		if strings.Count(raw, ".") == 1 && !strings.Contains(raw, ",") {
			raw = strings.Replace(raw, ".", ",", 1)
		}
		v, err = decimal(raw)
	} else {
		v, err = parseDecimal(s)
	}
	if err != nil {
		return 0, err
	}
	if v > 100 {
		return 0, fmt.Errorf("percentage %v out of range", v)
	}
	return v, nil
}

func parseDecimal(s string) (float64, error) {
	raw := numberPattern.FindString(s)
	if raw == "" {
		return 0, fmt.Errorf("no number in %q", s)
	}
	return decimal(raw)
}

// decimal converts an Italian formatted number: dots group thousands and a
// comma marks decimals.
func decimal(raw string) (float64, error) {
	cleaned := strings.ReplaceAll(raw, ".", "")
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", raw, err)
	}
	return v, nil
}

// ParseDate recognises DD/MM/YYYY (any of / . - as separator), YYYY-MM-DD and
// "31 marzo 2026" style dates with Italian or English month names. The
// result is midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if m := ymdPattern.FindStringSubmatch(s); m != nil {
		return buildDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := dmyPattern.FindStringSubmatch(s); m != nil {
		return buildDate(atoi(m[3]), atoi(m[2]), atoi(m[1]))
	}
	for _, m := range wordDatePattern.FindAllStringSubmatch(s, -1) {
		month, ok := monthNames[strings.ToLower(m[2])]
		if !ok {
			continue
		}
		return buildDate(atoi(m[3]), int(month), atoi(m[1]))
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func buildDate(year, month, day int) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid date %04d-%02d-%02d", year, month, day)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid date %04d-%02d-%02d", year, month, day)
	}
	return t, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Truncate shortens s to at most maxLen runes, ending with "..." when cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return strings.TrimSpace(string([]rune(s)[:maxLen-3])) + "..."
}

// CleanText collapses runs of whitespace into single spaces.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
