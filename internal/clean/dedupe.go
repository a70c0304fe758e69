package clean

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mstanton/webharvester/internal/scraper"
)

// DuplicatePair reports two records judged duplicates of each other. A is the
// first-seen record in batch order, Similarity is 1.0 for fingerprint matches.
type DuplicatePair struct {
	A          string  `json:"record_a"`
	B          string  `json:"record_b"`
	Similarity float64 `json:"similarity"`
}

// Detector finds exact and near duplicates within one batch. Near-duplicate
// comparison is O(n²) pairwise and intentionally batch-scoped: there is no
// global index, batches are cleaning-pass-sized.
//
// The similarity metric is token overlap (Jaccard on lowercased
// whitespace-split tokens) averaged over the fields both records share.
type Detector struct {
	hasher    scraper.Hasher
	threshold float64
}

// NewDetector builds a Detector. threshold <= 0 selects the 0.85 default.
func NewDetector(hasher scraper.Hasher, threshold float64) *Detector {
	if threshold <= 0 {
		threshold = 0.85
	}
	return &Detector{hasher: hasher, threshold: threshold}
}

// Fingerprint hashes a record's normalized content: field values stringified,
// lowercased, whitespace-collapsed, concatenated in sorted field-name order.
func (d *Detector) Fingerprint(content map[string]any) (string, error) {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(normalizeValue(content[k]))
		b.WriteByte('\n')
	}
	return d.hasher.Hash([]byte(b.String()))
}

// Detect returns duplicate pairs in first-seen order, each pair emitted once.
func (d *Detector) Detect(records []scraper.Record) ([]DuplicatePair, error) {
	var pairs []DuplicatePair
	seen := make(map[string]struct{})

	// Exact pass: fingerprint lookup, O(1) per record.
	firstByPrint := make(map[string]string, len(records))
	for _, rec := range records {
		fp, err := d.Fingerprint(rec.Content)
		if err != nil {
			return nil, fmt.Errorf("fingerprint record %s: %w", rec.ID, err)
		}
		if first, ok := firstByPrint[fp]; ok {
			pairs = append(pairs, DuplicatePair{A: first, B: rec.ID, Similarity: 1.0})
			seen[first+"\x00"+rec.ID] = struct{}{}
			continue
		}
		firstByPrint[fp] = rec.ID
	}

	// Near pass: pairwise similarity over the batch.
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			key := records[i].ID + "\x00" + records[j].ID
			if _, ok := seen[key]; ok {
				continue
			}
			sim := contentSimilarity(records[i].Content, records[j].Content)
			if sim >= d.threshold {
				pairs = append(pairs, DuplicatePair{A: records[i].ID, B: records[j].ID, Similarity: sim})
				seen[key] = struct{}{}
			}
		}
	}
	return pairs, nil
}

// normalizeValue stringifies, lowercases, and collapses whitespace.
func normalizeValue(v any) string {
	s := fmt.Sprintf("%v", v)
	return wsRun.ReplaceAllString(strings.TrimSpace(strings.ToLower(s)), " ")
}

// contentSimilarity averages per-field Jaccard token overlap across the
// fields both contents define. Identical values short-circuit to 1.0.
func contentSimilarity(a, b map[string]any) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	var sims []float64
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}
		sa, sb := normalizeValue(av), normalizeValue(bv)
		if sa == sb {
			sims = append(sims, 1.0)
			continue
		}
		sims = append(sims, jaccard(sa, sb))
	}
	if len(sims) == 0 {
		return 0.0
	}
	total := 0.0
	for _, s := range sims {
		total += s
	}
	return total / float64(len(sims))
}

func jaccard(a, b string) float64 {
	setA := make(map[string]struct{})
	for _, w := range strings.Fields(a) {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{})
	for _, w := range strings.Fields(b) {
		setB[w] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0.0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}
