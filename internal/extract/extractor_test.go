package extract

import (
	"testing"

	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html>
<head><title>Sample  Page</title><style>body { color: red }</style></head>
<body>
	<script>var tracked = true;</script>
	<h1>Heading One</h1>
	<p>First paragraph with   uneven whitespace.</p>
	<h2>Section</h2>
	<ul><li>item one</li><li>item two</li></ul>
	<pre>code block</pre>
	<blockquote>quoted text</blockquote>
	<a href="/docs">Docs</a>
	<a href="#top">Top</a>
	<img src="/logo.png" alt="Logo">
</body>
</html>`

func TestMarkdownBasic(t *testing.T) {
	doc, err := Parse(samplePage)
	require.NoError(t, err)

	md, err := NewExtractor().Markdown(doc, false)
	require.NoError(t, err)

	assert.Contains(t, md, "# Sample Page")
	assert.Contains(t, md, "# Heading One")
	assert.Contains(t, md, "## Section")
	assert.Contains(t, md, "First paragraph with uneven whitespace.")
	assert.Contains(t, md, "- item one")
	assert.Contains(t, md, "```\ncode block\n```")
	assert.Contains(t, md, "> quoted text")
	assert.NotContains(t, md, "tracked")
	assert.NotContains(t, md, "color: red")
	assert.NotContains(t, md, "## Links")
}

func TestMarkdownDetailed(t *testing.T) {
	doc, err := Parse(samplePage)
	require.NoError(t, err)

	md, err := NewExtractor().Markdown(doc, true)
	require.NoError(t, err)

	assert.Contains(t, md, "## Links")
	assert.Contains(t, md, "- [Docs](/docs)")
	assert.NotContains(t, md, "(#top)") // fragment-only anchors are noise
	assert.Contains(t, md, "## Images")
	assert.Contains(t, md, "![Logo](/logo.png)")
}

func TestMarkdownEmptyDocument(t *testing.T) {
	doc, err := Parse("<html><body></body></html>")
	require.NoError(t, err)

	_, err = NewExtractor().Markdown(doc, false)
	assert.ErrorIs(t, err, model.ErrExtractionFailed)
}

func TestMarkdownNilDocument(t *testing.T) {
	_, err := NewExtractor().Markdown(nil, false)
	assert.ErrorIs(t, err, model.ErrExtractionFailed)
}
