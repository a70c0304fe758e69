package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mstanton/webharvester/internal/scraper"
)

// fallbackModel labels analyses produced by local extraction.
const fallbackModel = "goquery-extract"

// maxConfidence caps local-extraction confidence; rule extraction never
// competes with a real model's score.
const maxConfidence = 0.5

const nonContentSelectors = "script, style, nav, header, footer"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	pricePattern = regexp.MustCompile(`[$€£]\s?\d{1,3}(?:[,.\d]{0,12})`)
)

// Fallback extracts structured fields from HTML with CSS selectors and
// regexes, without calling any external service.
type Fallback struct{}

// NewFallback constructs the local extractor.
func NewFallback() *Fallback {
	return &Fallback{}
}

// Analyze parses the page and extracts title, description, author, headings,
// links, emails, prices, and a body text snippet.
func (f *Fallback) Analyze(_ context.Context, raw scraper.RawContent) (scraper.Analysis, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return scraper.Analysis{}, &scraper.AnalysisError{Err: fmt.Errorf("parse html: %w", err)}
	}

	fields := map[string]any{}
	populated := 0
	put := func(key string, value any) {
		switch v := value.(type) {
		case string:
			if v == "" {
				return
			}
		case []string:
			if len(v) == 0 {
				return
			}
			value = v
		}
		fields[key] = value
		populated++
	}

	put("title", pageTitle(doc))
	put("description", metaContent(doc, "meta[name='description']", "meta[property='og:description']"))
	put("author", metaContent(doc, "meta[name='author']"))
	put("headings", headings(doc))
	put("links", pageLinks(doc))

	text := bodyText(doc)
	put("text", snippet(text, 2000))
	put("email", firstMatch(emailPattern, text))
	put("price", firstMatch(pricePattern, text))

	// Confidence grows with extraction coverage but stays capped.
	confidence := 0.1 + 0.05*float64(populated)
	if confidence > maxConfidence {
		confidence = maxConfidence
	}
	return scraper.Analysis{
		Fields:     fields,
		Confidence: confidence,
		Metadata: scraper.AIMetadata{
			Model:    fallbackModel,
			Fallback: true,
		},
	}, nil
}

func pageTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return ""
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func headings(doc *goquery.Document) []string {
	var out []string
	doc.Find("h1, h2").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := strings.TrimSpace(s.Text()); text != "" {
			out = append(out, text)
		}
		return len(out) < 10
	})
	return out
}

func pageLinks(doc *goquery.Document) []string {
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href != "" && !strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "javascript:") {
			out = append(out, href)
		}
		return len(out) < 20
	})
	return out
}

func bodyText(doc *goquery.Document) string {
	if article := doc.Find("article").First(); article.Length() > 0 {
		article.Find(nonContentSelectors).Remove()
		return strings.TrimSpace(article.Text())
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return ""
	}
	body.Find(nonContentSelectors).Remove()
	return strings.TrimSpace(body.Text())
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func firstMatch(re *regexp.Regexp, text string) string {
	return strings.TrimSpace(re.FindString(text))
}
