package fingerprint

import (
	"iter"
	"slices"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Result splits a run's candidates by whether storage had already seen them.
type Result struct {
	// Fresh holds candidates whose fingerprint is new, first occurrence only.
	Fresh []pipeline.Fingerprinted
	// Known lists fingerprints present in the snapshot, once each.
	Known []pipeline.Fingerprint
	// Repeats counts candidates dropped because the same fingerprint already
	// appeared earlier in this run.
	Repeats int
}

// Duplicates is the number of candidates that were not fresh.
func (r Result) Duplicates() int {
	return len(r.Known) + r.Repeats
}

// FilterNew yields the candidates of seq whose fingerprint is neither in known
// nor already yielded by this sequence, in input order. It is Partition's
// Fresh set exposed as a sequence and is as restartable as seq.
func FilterNew(seq iter.Seq[pipeline.CandidateRecord], known pipeline.KnownSet) iter.Seq[pipeline.Fingerprinted] {
	return func(yield func(pipeline.Fingerprinted) bool) {
		res := Partition(Attach(slices.Collect(seq)), known)
		for _, rec := range res.Fresh {
			if !yield(rec) {
				return
			}
		}
	}
}

// Partition fingerprints every candidate and splits them against known.
func Partition(records []pipeline.Fingerprinted, known pipeline.KnownSet) Result {
	var res Result
	seen := make(map[pipeline.Fingerprint]struct{}, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.Fingerprint]; dup {
			res.Repeats++
			continue
		}
		seen[rec.Fingerprint] = struct{}{}
		if known.Has(rec.Fingerprint) {
			res.Known = append(res.Known, rec.Fingerprint)
			continue
		}
		res.Fresh = append(res.Fresh, rec)
	}
	return res
}

// Attach computes the fingerprint of every record.
func Attach(records []pipeline.CandidateRecord) []pipeline.Fingerprinted {
	out := make([]pipeline.Fingerprinted, 0, len(records))
	for _, rec := range records {
		out = append(out, pipeline.Fingerprinted{Fingerprint: Of(rec), Record: rec})
	}
	return out
}

// Unique returns the distinct fingerprints in order of first appearance.
func Unique(records []pipeline.Fingerprinted) []pipeline.Fingerprint {
	seen := make(map[pipeline.Fingerprint]struct{}, len(records))
	out := make([]pipeline.Fingerprint, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.Fingerprint]; ok {
			continue
		}
		seen[rec.Fingerprint] = struct{}{}
		out = append(out, rec.Fingerprint)
	}
	return out
}
