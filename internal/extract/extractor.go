// Package extract turns rendered HTML into a markdown content artifact.
package extract

import (
	"fmt"
	"strings"

	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
)

// Parse builds a queryable document from rendered HTML. The same
// document feeds both link harvesting and markdown extraction.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrExtractionFailed, err.Error())
	}
	return doc, nil
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Markdown renders the document's text content as markdown. Detailed
// mode appends the page's hyperlinks and images. A document with no
// extractable content is an ErrExtractionFailed.
func (e *Extractor) Markdown(doc *goquery.Document, detailed bool) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%w: no document", model.ErrExtractionFailed)
	}
	// Clone so link harvesting on the same document is unaffected.
	work := doc.Selection.Clone()
	work.Find("script, style, noscript, iframe").Remove()

	var b strings.Builder
	if title := normalizeSpace(work.Find("title").First().Text()); title != "" {
		b.WriteString("# " + title + "\n\n")
	}

	work.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(
		func(_ int, s *goquery.Selection) {
			text := normalizeSpace(s.Text())
			if text == "" {
				return
			}
			switch name := goquery.NodeName(s); name {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				level := int(name[1] - '0')
				b.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
			case "li":
				b.WriteString("- " + text + "\n")
			case "pre":
				b.WriteString("```\n" + strings.TrimSpace(s.Text()) + "\n```\n\n")
			case "blockquote":
				b.WriteString("> " + text + "\n\n")
			default:
				b.WriteString(text + "\n\n")
			}
		})

	if detailed {
		e.appendLinks(work, &b)
		e.appendImages(work, &b)
	}

	md := strings.TrimSpace(b.String())
	if md == "" {
		return "", fmt.Errorf("%w: no content in document", model.ErrExtractionFailed)
	}

	return md + "\n", nil
}

func (e *Extractor) appendLinks(doc *goquery.Selection, b *strings.Builder) {
	var wrote bool
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if !wrote {
			b.WriteString("\n## Links\n\n")
			wrote = true
		}
		text := normalizeSpace(s.Text())
		if text == "" {
			text = href
		}
		b.WriteString("- [" + text + "](" + href + ")\n")
	})
}

func (e *Extractor) appendImages(doc *goquery.Selection, b *strings.Builder) {
	var wrote bool
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		if !wrote {
			b.WriteString("\n## Images\n\n")
			wrote = true
		}
		alt, _ := s.Attr("alt")
		b.WriteString("![" + normalizeSpace(alt) + "](" + src + ")\n")
	})
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
