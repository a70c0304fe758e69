package clean

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
)

// Weights controls the blend of sub-scores into the overall quality score.
// Completeness dominates: missing or invalid data is the costliest failure.
type Weights struct {
	Completeness float64 `mapstructure:"completeness"`
	Accuracy     float64 `mapstructure:"accuracy"`
	Consistency  float64 `mapstructure:"consistency"`
}

// DefaultWeights returns the 0.4/0.35/0.25 default blend.
func DefaultWeights() Weights {
	return Weights{Completeness: 0.4, Accuracy: 0.35, Consistency: 0.25}
}

// Metrics summarizes one cleaning run. Computed once per Clean call,
// immutable afterwards.
type Metrics struct {
	TotalRecords     int `json:"total_records"`
	ValidRecords     int `json:"valid_records"`
	InvalidRecords   int `json:"invalid_records"`
	DuplicateRecords int `json:"duplicate_records"`
	CorrectedRecords int `json:"corrected_records"`

	OverallScore      float64 `json:"overall_quality_score"`
	CompletenessScore float64 `json:"completeness_score"`
	AccuracyScore     float64 `json:"accuracy_score"`
	ConsistencyScore  float64 `json:"consistency_score"`

	FieldScores    map[string]float64 `json:"field_quality_scores,omitempty"`
	ProcessingTime time.Duration      `json:"-"`
	ProcessedAt    time.Time          `json:"processed_at"`
}

// Config controls Cleaner behavior.
type Config struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	Weights             Weights `mapstructure:"weights"`
}

// Cleaner validates and normalizes batches of scraped records. It never
// persists anything; storage is the caller's concern.
type Cleaner struct {
	rules    []Rule
	detector *Detector
	weights  Weights
	clock    scraper.Clock
	logger   *zap.Logger
}

// New constructs a Cleaner with the built-in rule set registered.
func New(cfg Config, hasher scraper.Hasher, clock scraper.Clock, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := cfg.Weights
	if w.Completeness+w.Accuracy+w.Consistency == 0 {
		w = DefaultWeights()
	}
	return &Cleaner{
		rules:    DefaultRules(),
		detector: NewDetector(hasher, cfg.SimilarityThreshold),
		weights:  w,
		clock:    clock,
		logger:   logger,
	}
}

// AddRule registers a custom rule. Rules are immutable once registered.
func (c *Cleaner) AddRule(rule Rule) error {
	if rule.Field == "" {
		return fmt.Errorf("rule field is required")
	}
	if rule.Threshold < 0 || rule.Threshold > 1 {
		return fmt.Errorf("rule threshold must be in [0,1], got %g", rule.Threshold)
	}
	c.rules = append(c.rules, rule)
	c.logger.Info("cleaning rule registered",
		zap.String("field", rule.Field),
		zap.String("kind", string(rule.Kind)),
	)
	return nil
}

// Detector exposes the duplicate detector for standalone dedup queries.
func (c *Cleaner) Detector() *Detector { return c.detector }

// recordOutcome accumulates per-record results during a batch pass.
type recordOutcome struct {
	record       scraper.Record
	valid        bool
	corrected    bool
	correctedLow bool
	fieldScores  map[string]float64
}

// Clean validates and normalizes a batch, drops second-seen duplicates, and
// computes aggregate quality metrics. An empty batch yields zero metrics and
// no error; an individually unparseable record is counted invalid, never
// fatal to the batch.
func (c *Cleaner) Clean(ctx context.Context, records []scraper.Record) ([]scraper.Record, Metrics, error) {
	start := c.clock.Now()
	metrics := Metrics{
		TotalRecords: len(records),
		FieldScores:  make(map[string]float64),
	}
	if len(records) == 0 {
		metrics.ProcessedAt = start
		return nil, metrics, nil
	}

	outcomes := make([]recordOutcome, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, metrics, err
		}
		outcomes = append(outcomes, c.cleanRecord(rec))
	}

	// Dedup runs over the batch after per-record cleaning so fingerprints see
	// normalized values (two copies differing only in case/whitespace match).
	cleanedBatch := make([]scraper.Record, len(outcomes))
	for i := range outcomes {
		cleanedBatch[i] = outcomes[i].record
	}
	pairs, err := c.detector.Detect(cleanedBatch)
	if err != nil {
		return nil, metrics, fmt.Errorf("detect duplicates: %w", err)
	}
	dupes := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if _, ok := dupes[p.B]; !ok {
			dupes[p.B] = p.A
		}
	}

	var (
		cleaned         []scraper.Record
		fieldTotals     = make(map[string]float64)
		fieldCounts     = make(map[string]int)
		confidenceSum   float64
		confidenceCount int
	)
	correctedLow := 0
	for i := range outcomes {
		out := &outcomes[i]
		// Field confidences feed consistency for every record, duplicates
		// included; dedup only decides what the batch returns.
		for field, score := range out.fieldScores {
			fieldTotals[field] += score
			fieldCounts[field]++
			confidenceSum += score
			confidenceCount++
		}
		if first, ok := dupes[out.record.ID]; ok {
			metrics.DuplicateRecords++
			c.logger.Debug("duplicate record dropped",
				zap.String("record_id", out.record.ID),
				zap.String("kept", first),
			)
			continue
		}
		if out.valid {
			metrics.ValidRecords++
		} else {
			metrics.InvalidRecords++
		}
		if out.corrected {
			metrics.CorrectedRecords++
		}
		if out.correctedLow {
			correctedLow++
		}
		cleaned = append(cleaned, out.record)
	}

	// Ratios are over the whole submitted batch, so dropped duplicates pull
	// completeness down rather than vanishing from the math.
	total := float64(metrics.TotalRecords)
	metrics.CompletenessScore = float64(metrics.ValidRecords) / total
	accuracyPenalty := float64(metrics.InvalidRecords+correctedLow) / total
	metrics.AccuracyScore = clamp01(1.0 - accuracyPenalty)
	if confidenceCount > 0 {
		metrics.ConsistencyScore = confidenceSum / float64(confidenceCount)
	}
	for field, total := range fieldTotals {
		metrics.FieldScores[field] = total / float64(fieldCounts[field])
	}
	metrics.OverallScore = clamp01(
		metrics.CompletenessScore*c.weights.Completeness +
			metrics.AccuracyScore*c.weights.Accuracy +
			metrics.ConsistencyScore*c.weights.Consistency)

	end := c.clock.Now()
	metrics.ProcessingTime = end.Sub(start)
	metrics.ProcessedAt = end

	c.logger.Info("batch cleaned",
		zap.Int("total", metrics.TotalRecords),
		zap.Int("valid", metrics.ValidRecords),
		zap.Int("invalid", metrics.InvalidRecords),
		zap.Int("duplicates", metrics.DuplicateRecords),
		zap.Duration("elapsed", metrics.ProcessingTime),
	)
	return cleaned, metrics, nil
}

// cleanRecord applies every matching rule to one record. Field-level failures
// are downgraded to confidence scores and validation notes, never errors.
func (c *Cleaner) cleanRecord(rec scraper.Record) recordOutcome {
	out := recordOutcome{
		record:      rec,
		valid:       true,
		fieldScores: make(map[string]float64),
	}
	if rec.Content == nil {
		out.valid = false
		out.record.ValidationErrors = append(out.record.ValidationErrors, "content is not a mapping")
		return out
	}

	content := make(map[string]any, len(rec.Content))
	for k, v := range rec.Content {
		content[k] = v
	}

	for field, value := range content {
		if value == nil {
			continue
		}
		raw := fmt.Sprintf("%v", value)
		score := 1.0
		for _, rule := range c.rules {
			if !rule.Enabled || rule.Field != field {
				continue
			}
			o := rule.Apply(raw)
			if o.Confidence < rule.Threshold {
				// Correction rejected: keep the original value, flag invalid.
				out.valid = false
				if o.Corrected {
					out.correctedLow = true
				}
				out.record.ValidationErrors = append(out.record.ValidationErrors,
					fmt.Sprintf("field %q failed %s rule (confidence %.2f < %.2f)",
						field, rule.Kind, o.Confidence, rule.Threshold))
			} else if o.Corrected {
				content[field] = o.Value
				raw = o.Value
				out.corrected = true
			}
			if o.Confidence < score {
				score = o.Confidence
			}
		}
		out.fieldScores[field] = score
	}
	out.record.Content = content
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
