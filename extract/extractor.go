// Package extract turns raw HTML into clean plain text, stripping the
// navigation chrome documentation sites wrap around their content.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractedDocument is the cleaned, immutable view of one fetched page.
type ExtractedDocument struct {
	URL      string
	Title    string
	Text     string
	Headings []string
	Metadata map[string]string
}

// denySelectors matches navigation and boilerplate elements removed before
// any content selection. Includes the class patterns Docusaurus emits.
var denySelectors = []string{
	"nav", "header", "footer", "aside",
	"script", "style", "noscript", "iframe", "form", "button",
	"[class*='navbar']",
	"[class*='sidebar']",
	"[class*='docSidebar']",
	"[class*='menu']",
	"[class*='footer']",
	"[class*='cookie']",
	"[class*='advertisement']",
	"[class*='promo']",
	"[class*='pagination']",
	"[class*='toc']",
	"[class*='table-of-contents']",
	"[class*='breadcrumb']",
	"[class*='theme-edit-this-page']",
	"[class*='theme-last-updated']",
	"[class*='back-to-top']",
	"[class*='dropdown']",
}

// allowSelectors is tried in order; the first match becomes the content
// root. Ordering matters: the most specific Docusaurus containers first,
// generic landmarks last.
var allowSelectors = []string{
	"[class*='docItemContainer']",
	"[class*='docMainContainer']",
	"[class*='theme-doc-markdown']",
	"main",
	"article",
	"[role='main']",
}

// blockSelectors are the block-level elements whose text is concatenated.
var blockSelectors = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, dd, dt"

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract parses rawHTML and returns the cleaned document. Empty text after
// filtering is a valid result: the page fetched fine but held no content.
func (e *Extractor) Extract(rawHTML, url string) (ExtractedDocument, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ExtractedDocument{}, fmt.Errorf("parse html for %s: %w", url, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	for _, selector := range denySelectors {
		doc.Find(selector).Remove()
	}

	root := doc.Find("body")
	for _, selector := range allowSelectors {
		if match := doc.Find(selector).First(); match.Length() > 0 {
			root = match
			break
		}
	}

	var headings []string
	root.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if text := collapseSpaces(s.Text()); text != "" {
			headings = append(headings, text)
		}
	})

	if title == "" && len(headings) > 0 {
		title = headings[0]
	}

	var blocks []string
	root.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (li inside li, p inside blockquote) would double
		// their text; only take elements with no block-level children.
		if s.Find(blockSelectors).Length() > 0 {
			return
		}
		if text := collapseSpaces(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})

	text := strings.Join(blocks, "\n\n")

	return ExtractedDocument{
		URL:      url,
		Title:    title,
		Text:     text,
		Headings: headings,
		Metadata: map[string]string{"source_url": url},
	}, nil
}

// collapseSpaces normalizes runs of whitespace inside one block to single
// spaces, preserving nothing of the original layout.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
