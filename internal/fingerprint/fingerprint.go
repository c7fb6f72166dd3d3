// Package fingerprint computes content identities for candidate records and
// filters out the ones storage already knows.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Of returns the fingerprint of a candidate. Only identity fields contribute;
// field order, surrounding whitespace, letter case and scraped_at never do.
func Of(rec pipeline.CandidateRecord) pipeline.Fingerprint {
	sum := sha256.Sum256(Canonical(rec))
	return pipeline.Fingerprint(hex.EncodeToString(sum[:]))
}

// Canonical is the byte string Of hashes: a JSON object of identity field
// names to normalised, type-tagged values. encoding/json sorts map keys.
func Canonical(rec pipeline.CandidateRecord) []byte {
	names := IdentityFields(rec)
	canon := make(map[string]*string, len(names))
	for _, name := range names {
		v, ok := rec.Fields[name]
		if !ok || v == nil {
			canon[name] = nil
			continue
		}
		s := normalize(v)
		canon[name] = &s
	}
	out, err := json.Marshal(canon)
	if err != nil {
		// A map of string pointers always marshals.
		panic(fmt.Sprintf("fingerprint: canonical encoding: %v", err))
	}
	return out
}

// IdentityFields returns the sorted, de-duplicated identity field names of
// rec. With no declared identity every field except scraped_at is used.
func IdentityFields(rec pipeline.CandidateRecord) []string {
	var names []string
	if len(rec.Identity) > 0 {
		names = append(names, rec.Identity...)
	} else {
		for name := range rec.Fields {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == pipeline.FieldScrapedAt {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == name {
			continue
		}
		out = append(out, name)
	}
	return out
}

func normalize(v any) string {
	switch val := v.(type) {
	case string:
		return "s:" + normalizeText(val)
	case float64:
		return "n:" + strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return "n:" + strconv.FormatFloat(float64(val), 'f', -1, 64)
	case int:
		return "n:" + strconv.Itoa(val)
	case int64:
		return "n:" + strconv.FormatInt(val, 10)
	case time.Time:
		return "t:" + val.UTC().Format(time.RFC3339)
	case bool:
		return "b:" + strconv.FormatBool(val)
	default:
		return "s:" + normalizeText(fmt.Sprint(val))
	}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
