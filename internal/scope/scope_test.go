package scope

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsChild(t *testing.T) {
	tests := []struct {
		name   string
		parent string
		child  string
		want   bool
	}{
		{"sub-path of the origin root", "https://example.com", "https://example.com/path/to/page", true},
		{"same url is not a child", "https://example.com/path/to/page", "https://example.com/path/to/page", false},
		{"fragment variant of the parent", "https://example.com/path/to/page#hash", "https://example.com/path/to/page", false},
		{"trailing-slash parent, bare child", "https://example.com/path/to/page/", "https://example.com/path/to/page", false},
		{"deeper sub-path", "https://example.com/docs", "https://example.com/docs/guide/intro", true},
		{"child with fragment", "https://example.com", "https://example.com/page#section", false},
		{"different host", "https://example.com", "https://other.com/page", false},
		{"different scheme", "https://example.com", "http://example.com/page", false},
		{"sibling path", "https://example.com/docs", "https://example.com/blog", false},
		{"segment boundary is honored", "https://example.com/path", "https://example.com/pathology", false},
		{"trailing-slash parent with deeper child", "https://example.com/docs/", "https://example.com/docs/intro", true},
		{"query variant of the same resource", "https://example.com/page", "https://example.com/page?tab=1", false},
		{"unparseable child", "https://example.com", "://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsChild(tt.parent, tt.child))
		})
	}
}

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestChildLinks(t *testing.T) {
	html := `<html><body>
		<a href="/a">a</a>
		<a href="/b">b</a>
		<a href="/a">duplicate of a</a>
		<a href="https://other.test/x">cross origin</a>
		<a href="/c">c</a>
	</body></html>`
	doc := parseDoc(t, html)

	links := ChildLinks(doc, "https://a.test", "https://a.test", 10)
	assert.Equal(t, []string{"https://a.test/a", "https://a.test/b", "https://a.test/c"}, links)
}

func TestChildLinksShortCircuitsAtLimit(t *testing.T) {
	html := `<html><body>
		<a href="/1">1</a>
		<a href="/2">2</a>
		<a href="/3">3</a>
		<a href="/4">4</a>
	</body></html>`
	doc := parseDoc(t, html)

	links := ChildLinks(doc, "https://a.test", "https://a.test", 2)
	assert.Equal(t, []string{"https://a.test/1", "https://a.test/2"}, links)
}

func TestChildLinksDropsOutOfScope(t *testing.T) {
	html := `<html><body>
		<a href="https://a.test/docs/page">in scope</a>
		<a href="https://a.test/blog/post">sibling, out of scope</a>
		<a href="https://a.test/docs/page#frag">fragment, out of scope</a>
	</body></html>`
	doc := parseDoc(t, html)

	links := ChildLinks(doc, "https://a.test/docs", "https://a.test/docs", 10)
	assert.Equal(t, []string{"https://a.test/docs/page"}, links)
}

func TestChildLinksResolvesRelativeAgainstBase(t *testing.T) {
	html := `<html><body><a href="nested/page">nested</a></body></html>`
	doc := parseDoc(t, html)

	links := ChildLinks(doc, "https://a.test/docs/", "https://a.test/docs/", 10)
	assert.Equal(t, []string{"https://a.test/docs/nested/page"}, links)
}

func TestChildLinksZeroLimit(t *testing.T) {
	doc := parseDoc(t, `<html><body><a href="/a">a</a></body></html>`)
	assert.Empty(t, ChildLinks(doc, "https://a.test", "https://a.test", 0))
}
