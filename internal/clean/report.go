package clean

import (
	"fmt"
	"sort"
)

// QualityBand buckets an overall score for reporting.
type QualityBand string

const (
	BandExcellent  QualityBand = "excellent"
	BandGood       QualityBand = "good"
	BandAcceptable QualityBand = "acceptable"
	BandPoor       QualityBand = "poor"
)

// Band maps an overall score to its reporting bucket.
func Band(score float64) QualityBand {
	switch {
	case score >= 0.9:
		return BandExcellent
	case score >= 0.7:
		return BandGood
	case score >= 0.5:
		return BandAcceptable
	default:
		return BandPoor
	}
}

// Report is the human-facing summary of a cleaning run.
type Report struct {
	Metrics         Metrics     `json:"metrics"`
	Band            QualityBand `json:"quality_band"`
	WeakestFields   []string    `json:"weakest_fields,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
}

// BuildReport derives a report from batch metrics. Recommendations target the
// weakest sub-score first.
func BuildReport(m Metrics) Report {
	r := Report{
		Metrics: m,
		Band:    Band(m.OverallScore),
	}
	if m.TotalRecords == 0 {
		r.Recommendations = append(r.Recommendations, "no records were processed; verify the scrape produced output")
		return r
	}

	type fieldScore struct {
		name  string
		score float64
	}
	fields := make([]fieldScore, 0, len(m.FieldScores))
	for name, score := range m.FieldScores {
		fields = append(fields, fieldScore{name, score})
	}
	sort.Slice(fields, func(i, j int) bool {
		if fields[i].score != fields[j].score {
			return fields[i].score < fields[j].score
		}
		return fields[i].name < fields[j].name
	})
	for _, f := range fields {
		if f.score >= 0.7 {
			break
		}
		r.WeakestFields = append(r.WeakestFields, f.name)
	}

	if m.CompletenessScore < 0.7 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("completeness is %.0f%%; review extraction selectors for missing or invalid fields", m.CompletenessScore*100))
	}
	if m.AccuracyScore < 0.7 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("accuracy is %.0f%%; tighten cleaning rules or review source quality", m.AccuracyScore*100))
	}
	if m.ConsistencyScore < 0.7 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("consistency is %.0f%%; field formats vary widely across records", m.ConsistencyScore*100))
	}
	if m.TotalRecords > 0 {
		dupRatio := float64(m.DuplicateRecords) / float64(m.TotalRecords)
		if dupRatio > 0.2 {
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("%.0f%% of records were duplicates; check pagination or crawl scope", dupRatio*100))
		}
	}
	for _, f := range r.WeakestFields {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("field %q scores below 0.7; consider a field-specific cleaning rule", f))
	}
	return r
}
