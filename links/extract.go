// Package links finds partner download links in message bodies and fetches
// the documents behind them.
package links

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	DefaultPhrases        = []string{"download invoice", "download invoices"}
	DefaultHighlightColor = "#ED2939"
	DefaultPartnerDomains = []string{"delhivery.com"}
)

type ExtractorOptions struct {
	// Phrases are matched case-insensitively against anchor text.
	Phrases []string
	// HighlightColor marks the table cells searched when no anchor matched
	// directly.
	HighlightColor string
	// PartnerDomains lists the hosts links may point to. Subdomains match.
	PartnerDomains []string
}

type Extractor struct {
	phrases   []string
	highlight string
	domains   []string
}

func NewExtractor(opts ExtractorOptions) *Extractor {
	if len(opts.Phrases) == 0 {
		opts.Phrases = DefaultPhrases
	}
	if opts.HighlightColor == "" {
		opts.HighlightColor = DefaultHighlightColor
	}
	if len(opts.PartnerDomains) == 0 {
		opts.PartnerDomains = DefaultPartnerDomains
	}

	e := &Extractor{highlight: strings.ToLower(strings.TrimSpace(opts.HighlightColor))}
	for _, p := range opts.Phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			e.phrases = append(e.phrases, p)
		}
	}
	for _, d := range opts.PartnerDomains {
		d = strings.ToLower(strings.Trim(strings.TrimSpace(d), "."))
		if d != "" {
			e.domains = append(e.domains, d)
		}
	}
	return e
}

// Extract returns the partner URLs of download anchors in body, in document
// order and without repeats. Anchors are first matched on their own text;
// only when none match are anchors inside highlighted table cells checked.
func (e *Extractor) Extract(body string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html body: %w", err)
	}

	var anchors []*goquery.Selection
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		if e.matches(ownText(s)) {
			anchors = append(anchors, s)
		}
	})

	if len(anchors) == 0 {
		doc.Find("td").Each(func(_ int, cell *goquery.Selection) {
			if !e.highlighted(cell) {
				return
			}
			link := cell.Find("a").First()
			if link.Length() > 0 && e.matches(link.Text()) {
				anchors = append(anchors, link)
			}
		})
	}

	seen := make(map[string]struct{})
	var urls []string
	for _, a := range anchors {
		href, ok := a.Attr("href")
		if !ok {
			continue
		}
		href = strings.TrimSpace(href)
		if !e.partnerURL(href) {
			continue
		}
		if _, dup := seen[href]; dup {
			continue
		}
		seen[href] = struct{}{}
		urls = append(urls, href)
	}
	return urls, nil
}

func (e *Extractor) matches(text string) bool {
	text = strings.ToLower(text)
	for _, p := range e.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func (e *Extractor) highlighted(cell *goquery.Selection) bool {
	if bg, ok := cell.Attr("bgcolor"); ok && strings.EqualFold(strings.TrimSpace(bg), e.highlight) {
		return true
	}
	if style, ok := cell.Attr("style"); ok {
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		return strings.Contains(style, "background-color:"+e.highlight) ||
			strings.Contains(style, "background:"+e.highlight)
	}
	return false
}

func (e *Extractor) partnerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range e.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ownText returns the text of an element whose content is a single chain of
// only children ending in a text node, and "" otherwise.
func ownText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	n := s.Get(0).FirstChild
	for n != nil {
		if n.NextSibling != nil {
			return ""
		}
		if n.Type == html.TextNode {
			return n.Data
		}
		n = n.FirstChild
	}
	return ""
}
