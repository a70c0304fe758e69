// Package clean implements the data cleaning, deduplication, and quality
// scoring pipeline that runs over batches of scraped records.
package clean

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// RuleKind identifies a built-in cleaning rule implementation.
type RuleKind string

// Built-in rule kinds.
const (
	KindEmail RuleKind = "email"
	KindPhone RuleKind = "phone"
	KindURL   RuleKind = "url"
	KindText  RuleKind = "text"
	KindPrice RuleKind = "price"
)

// Params carries kind-specific rule options.
type Params struct {
	// email
	NormalizeCase bool `mapstructure:"normalize_case"`
	// url
	StripFragments bool `mapstructure:"strip_fragments"`
	// text
	NormalizeUnicode bool `mapstructure:"normalize_unicode"`
	// price
	DecimalPlaces  int    `mapstructure:"decimal_places"`
	CurrencySymbol string `mapstructure:"currency_symbol"`
}

// Rule binds a cleaning rule kind to a record field. A correction whose
// confidence falls below Threshold is rejected and the field flagged invalid.
type Rule struct {
	Field     string   `mapstructure:"field"`
	Kind      RuleKind `mapstructure:"kind"`
	Params    Params   `mapstructure:"params"`
	Threshold float64  `mapstructure:"threshold"`
	Enabled   bool     `mapstructure:"enabled"`
}

// Outcome is the confidence-scored result of applying one rule to one value.
// Rules never fail: malformed input yields a low confidence, not an error.
type Outcome struct {
	Value      string
	Confidence float64
	Corrected  bool
}

// DefaultRules mirrors the rule set registered at cleaner construction.
func DefaultRules() []Rule {
	return []Rule{
		{Field: "email", Kind: KindEmail, Params: Params{NormalizeCase: true}, Threshold: 0.9, Enabled: true},
		{Field: "phone", Kind: KindPhone, Threshold: 0.8, Enabled: true},
		{Field: "url", Kind: KindURL, Threshold: 0.9, Enabled: true},
		{Field: "text", Kind: KindText, Params: Params{NormalizeUnicode: true}, Threshold: 0.7, Enabled: true},
		{Field: "price", Kind: KindPrice, Params: Params{CurrencySymbol: "$", DecimalPlaces: 2}, Threshold: 0.8, Enabled: true},
	}
}

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneKeep    = regexp.MustCompile(`[^\d+]`)
	digitsOnly   = regexp.MustCompile(`\D`)
	wsRun        = regexp.MustCompile(`\s+`)
	priceRun     = regexp.MustCompile(`[\d,]+\.?\d*`)
)

// Apply runs the rule against a stringified field value.
func (r Rule) Apply(raw string) Outcome {
	var out Outcome
	switch r.Kind {
	case KindEmail:
		out = cleanEmail(raw, r.Params)
	case KindPhone:
		out = cleanPhone(raw)
	case KindURL:
		out = cleanURL(raw, r.Params)
	case KindText:
		out = cleanText(raw, r.Params)
	case KindPrice:
		out = cleanPrice(raw, r.Params)
	default:
		// Unknown custom kinds pass the value through with middling confidence.
		out = Outcome{Value: raw, Confidence: 0.5}
	}
	out.Corrected = out.Value != raw
	return out
}

func cleanEmail(v string, p Params) Outcome {
	cleaned := strings.TrimSpace(v)
	if p.NormalizeCase {
		cleaned = strings.ToLower(cleaned)
	}
	if emailPattern.MatchString(cleaned) {
		return Outcome{Value: cleaned, Confidence: 1.0}
	}
	// Format cannot be inferred; keep whatever was there, score it low.
	at := strings.LastIndex(cleaned, "@")
	if at > 0 && strings.Contains(cleaned[at:], ".") && !strings.ContainsAny(cleaned, " \t") {
		return Outcome{Value: cleaned, Confidence: 0.7}
	}
	return Outcome{Value: cleaned, Confidence: 0.3}
}

func cleanPhone(v string) Outcome {
	cleaned := strings.TrimSpace(v)
	stripped := phoneKeep.ReplaceAllString(cleaned, "")
	// Keep a single leading +, drop any other plus signs.
	if i := strings.LastIndex(stripped, "+"); i > 0 {
		stripped = strings.ReplaceAll(stripped, "+", "")
	} else if strings.HasPrefix(stripped, "+") {
		stripped = "+" + strings.ReplaceAll(stripped[1:], "+", "")
	}
	n := len(digitsOnly.ReplaceAllString(stripped, ""))
	if n >= 7 && n <= 15 {
		return Outcome{Value: stripped, Confidence: 1.0}
	}
	return Outcome{Value: cleaned, Confidence: 0.4}
}

func cleanURL(v string, p Params) Outcome {
	cleaned := strings.TrimSpace(v)
	switch {
	case strings.HasPrefix(cleaned, "http://"), strings.HasPrefix(cleaned, "https://"):
	case strings.HasPrefix(cleaned, "//"):
		cleaned = "https:" + cleaned
	case strings.Contains(cleaned, "."):
		cleaned = "https://" + cleaned
	}
	if p.StripFragments {
		if i := strings.Index(cleaned, "#"); i >= 0 {
			cleaned = cleaned[:i]
		}
	}
	u, err := url.Parse(cleaned)
	if err != nil {
		return Outcome{Value: cleaned, Confidence: 0.2}
	}
	if u.Scheme != "" && u.Host != "" {
		return Outcome{Value: cleaned, Confidence: 1.0}
	}
	return Outcome{Value: cleaned, Confidence: 0.2}
}

func cleanText(v string, p Params) Outcome {
	cleaned := wsRun.ReplaceAllString(strings.TrimSpace(v), " ")
	if p.NormalizeUnicode {
		cleaned = norm.NFKC.String(cleaned)
	}
	if cleaned == "" {
		return Outcome{Value: cleaned, Confidence: 0.0}
	}
	runes := []rune(cleaned)
	printable := 0
	for _, r := range runes {
		if unicode.IsPrint(r) {
			printable++
		}
	}
	return Outcome{Value: cleaned, Confidence: float64(printable) / float64(len(runes))}
}

func cleanPrice(v string, p Params) Outcome {
	cleaned := strings.TrimSpace(v)
	match := priceRun.FindString(cleaned)
	if match == "" {
		return Outcome{Value: cleaned, Confidence: 0.0}
	}
	numeric := strings.ReplaceAll(match, ",", "")
	f, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return Outcome{Value: cleaned, Confidence: 0.0}
	}
	places := p.DecimalPlaces
	if places <= 0 {
		places = 2
	}
	formatted := strconv.FormatFloat(f, 'f', places, 64)
	if p.CurrencySymbol != "" {
		formatted = p.CurrencySymbol + formatted
	}
	return Outcome{Value: formatted, Confidence: 1.0}
}

// ParsePrice re-extracts the numeric value from a formatted price string.
// Formatting then re-parsing with the same rule is idempotent on the number.
func ParsePrice(v string) (float64, error) {
	match := priceRun.FindString(v)
	if match == "" {
		return 0, fmt.Errorf("no numeric run in %q", v)
	}
	return strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
}
