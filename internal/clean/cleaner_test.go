package clean

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func newTestCleaner(t *testing.T) *Cleaner {
	t.Helper()
	return New(Config{}, sha256Hasher{}, fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
}

func TestCleanEmptyBatch(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	cleaned, metrics, err := c.Clean(context.Background(), nil)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if cleaned != nil {
		t.Fatalf("expected no records, got %d", len(cleaned))
	}
	if metrics.TotalRecords != 0 || metrics.OverallScore != 0 {
		t.Fatalf("expected zero metrics, got %+v", metrics)
	}
}

func TestCleanNormalizesFields(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{
			"email": "  Alice@Example.COM ",
			"phone": "(555) 123-4567",
			"price": "1,234.5",
		}},
	}

	cleaned, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(cleaned) != 1 {
		t.Fatalf("got %d records, want 1", len(cleaned))
	}
	got := cleaned[0].Content
	if got["email"] != "alice@example.com" {
		t.Fatalf("email = %v", got["email"])
	}
	if got["phone"] != "5551234567" {
		t.Fatalf("phone = %v", got["phone"])
	}
	if got["price"] != "$1234.50" {
		t.Fatalf("price = %v", got["price"])
	}
	if metrics.ValidRecords != 1 || metrics.CorrectedRecords != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestCleanBelowThresholdKeepsOriginal(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{"email": "not an email"}},
	}

	cleaned, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if cleaned[0].Content["email"] != "not an email" {
		t.Fatalf("rejected value was rewritten: %v", cleaned[0].Content["email"])
	}
	if len(cleaned[0].ValidationErrors) == 0 {
		t.Fatal("expected a validation error on the record")
	}
	if metrics.InvalidRecords != 1 || metrics.ValidRecords != 0 {
		t.Fatalf("metrics = %+v", metrics)
	}
	if metrics.CompletenessScore != 0.0 {
		t.Fatalf("completeness = %g, want 0", metrics.CompletenessScore)
	}
}

func TestCleanDropsDuplicates(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{"title": "Widget Pro"}},
		{ID: "r2", Content: map[string]any{"title": "widget  pro"}},
		{ID: "r3", Content: map[string]any{"title": "Gadget Max"}},
	}

	cleaned, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(cleaned) != 2 {
		t.Fatalf("got %d records, want 2", len(cleaned))
	}
	if cleaned[0].ID != "r1" || cleaned[1].ID != "r3" {
		t.Fatalf("kept wrong records: %s, %s", cleaned[0].ID, cleaned[1].ID)
	}
	if metrics.DuplicateRecords != 1 {
		t.Fatalf("duplicates = %d, want 1", metrics.DuplicateRecords)
	}
	if metrics.ValidRecords != 2 {
		t.Fatalf("valid = %d, want 2", metrics.ValidRecords)
	}
}

// TestCleanMetricsCountDuplicatesInDenominator pins the ratio denominators
// to the submitted batch size: a dropped duplicate still counts against
// completeness instead of disappearing from the math.
func TestCleanMetricsCountDuplicatesInDenominator(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{"title": "Widget Pro"}},
		{ID: "r2", Content: map[string]any{"title": "Widget Pro"}},
	}

	_, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if metrics.TotalRecords != 2 || metrics.ValidRecords != 1 || metrics.DuplicateRecords != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
	if metrics.CompletenessScore != 0.5 {
		t.Fatalf("completeness = %g, want 0.5", metrics.CompletenessScore)
	}
	if metrics.AccuracyScore != 1.0 {
		t.Fatalf("accuracy = %g, want 1.0 (a duplicate is not an invalid record)", metrics.AccuracyScore)
	}
}

func TestCleanNilContentIsInvalidNotFatal(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: nil},
		{ID: "r2", Content: map[string]any{"title": "Fine Record"}},
	}

	cleaned, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(cleaned) != 2 {
		t.Fatalf("got %d records, want 2", len(cleaned))
	}
	if metrics.InvalidRecords != 1 || metrics.ValidRecords != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestCleanScoresBounded(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{"email": "a@b.co", "text": "hello world"}},
		{ID: "r2", Content: map[string]any{"email": "junk", "phone": "1"}},
		{ID: "r3", Content: nil},
	}

	_, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	for name, score := range map[string]float64{
		"overall":      metrics.OverallScore,
		"completeness": metrics.CompletenessScore,
		"accuracy":     metrics.AccuracyScore,
		"consistency":  metrics.ConsistencyScore,
	} {
		if score < 0 || score > 1 {
			t.Fatalf("%s score %g out of [0,1]", name, score)
		}
	}
	for field, score := range metrics.FieldScores {
		if score < 0 || score > 1 {
			t.Fatalf("field %q score %g out of [0,1]", field, score)
		}
	}
}

// TestCleanIdempotent checks that cleaning already-clean records changes
// nothing and reports no corrections.
func TestCleanIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{
			"email": "  Bob@Example.ORG ",
			"price": "42",
			"text":  "some   spaced   text",
		}},
	}

	once, _, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("first Clean: %v", err)
	}
	twice, metrics, err := c.Clean(context.Background(), once)
	if err != nil {
		t.Fatalf("second Clean: %v", err)
	}
	if metrics.CorrectedRecords != 0 {
		t.Fatalf("second pass corrected %d records", metrics.CorrectedRecords)
	}
	for field, want := range once[0].Content {
		if got := twice[0].Content[field]; got != want {
			t.Fatalf("field %q changed on second pass: %v -> %v", field, want, got)
		}
	}
}

func TestCleanCustomWeights(t *testing.T) {
	t.Parallel()

	cfg := Config{Weights: Weights{Completeness: 1.0}}
	c := New(cfg, sha256Hasher{}, fixedClock{now: time.Now()}, zap.NewNop())
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{"title": "ok"}},
		{ID: "r2", Content: nil},
	}

	_, metrics, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if metrics.OverallScore != metrics.CompletenessScore {
		t.Fatalf("overall %g should equal completeness %g under completeness-only weights",
			metrics.OverallScore, metrics.CompletenessScore)
	}
}

func TestAddRule(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t)
	if err := c.AddRule(Rule{Field: "", Kind: KindText, Threshold: 0.5}); err == nil {
		t.Fatal("expected error for empty field")
	}
	if err := c.AddRule(Rule{Field: "bio", Kind: KindText, Threshold: 1.5}); err == nil {
		t.Fatal("expected error for threshold out of range")
	}
	if err := c.AddRule(Rule{Field: "bio", Kind: KindText, Threshold: 0.6, Enabled: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// Custom rules extend the built-in set rather than replacing it.
	records := []scraper.Record{
		{ID: "r1", Content: map[string]any{
			"bio":   "a   long   bio",
			"email": "  Jamie@Example.COM ",
		}},
	}
	cleaned, _, err := c.Clean(context.Background(), records)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if cleaned[0].Content["bio"] != "a long bio" {
		t.Fatalf("custom rule not applied: %v", cleaned[0].Content["bio"])
	}
	if cleaned[0].Content["email"] != "jamie@example.com" {
		t.Fatalf("built-in email rule dropped: %v", cleaned[0].Content["email"])
	}
}

func TestBuildReportBands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  QualityBand
	}{
		{0.95, BandExcellent},
		{0.9, BandExcellent},
		{0.75, BandGood},
		{0.6, BandAcceptable},
		{0.2, BandPoor},
	}
	for _, tc := range tests {
		if got := Band(tc.score); got != tc.want {
			t.Fatalf("Band(%g) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestBuildReportRecommendations(t *testing.T) {
	t.Parallel()

	m := Metrics{
		TotalRecords:      10,
		ValidRecords:      4,
		InvalidRecords:    6,
		CompletenessScore: 0.4,
		AccuracyScore:     0.4,
		ConsistencyScore:  0.9,
		OverallScore:      0.52,
		FieldScores:       map[string]float64{"email": 0.3, "title": 0.95},
	}
	r := BuildReport(m)
	if r.Band != BandAcceptable {
		t.Fatalf("band = %s", r.Band)
	}
	if len(r.WeakestFields) != 1 || r.WeakestFields[0] != "email" {
		t.Fatalf("weakest fields = %v", r.WeakestFields)
	}
	if len(r.Recommendations) == 0 {
		t.Fatal("expected recommendations for low sub-scores")
	}
}
