// Package scope decides which discovered links belong to a traversal.
// The scope root is the original seed URL; a link is in scope iff it is
// a strict sub-path of the root under the same origin.
package scope

import (
	netUrl "net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// IsChild reports whether child is a strict sub-path of parent:
// same scheme and host, no fragment on the child, and the child's path
// strictly extends the parent's path on a segment boundary.
// The parent equals itself, a fragment variant of it, or a
// trailing-slash variant of it - none of those are children.
func IsChild(parent, child string) bool {
	p, err := netUrl.Parse(parent)
	if err != nil {
		return false
	}
	c, err := netUrl.Parse(child)
	if err != nil {
		return false
	}
	if c.Fragment != "" {
		return false
	}
	if p.Scheme != c.Scheme || p.Host != c.Host {
		return false
	}
	pp := p.EscapedPath()
	cp := c.EscapedPath()
	if cp == pp {
		return false
	}
	if !strings.HasPrefix(cp, pp) {
		return false
	}
	// "/path" must not claim "/pathology"; the extension has to start a
	// new segment unless the parent path already ends in a slash.
	if pp != "" && !strings.HasSuffix(pp, "/") && !strings.HasPrefix(cp[len(pp):], "/") {
		return false
	}

	return true
}

// ChildLinks walks the anchors of a rendered document in order,
// resolves each href against base, keeps those in scope of origin and
// stops scanning as soon as limit links are collected. Duplicates
// within the page are dropped.
func ChildLinks(doc *goquery.Document, base string, origin string, limit int) []string {
	baseUrl, err := netUrl.Parse(base)
	if err != nil || limit <= 0 {
		return nil
	}

	seen := make(map[string]struct{}, limit)
	links := make([]string, 0, limit)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := netUrl.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := baseUrl.ResolveReference(ref).String()
		if !IsChild(origin, abs) {
			return true
		}
		if _, ok := seen[abs]; ok {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)

		return len(links) < limit
	})

	return links
}
