package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/extract"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	html  string
	err   error
	calls int
}

func (r *fakeRenderer) RenderPage(_ context.Context, _ string) (string, error) {
	r.calls++
	return r.html, r.err
}

type fakeCache struct {
	data map[string][]byte
	puts int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(kind string, url string) ([]byte, bool) {
	v, ok := c.data[kind+":"+url]
	return v, ok
}

func (c *fakeCache) Put(kind string, url string, value []byte) {
	c.data[kind+":"+url] = value
	c.puts++
}

func (c *fakeCache) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(renderer *fakeRenderer, c *fakeCache) (*CrawlWorker, chan *model.CrawlTask, chan *model.CallbackTask) {
	taskChan := make(chan *model.CrawlTask, 128)
	callbackChan := make(chan *model.CallbackTask, 128)
	w := &CrawlWorker{
		Renderer:     renderer,
		Extractor:    extract.NewExtractor(),
		Cache:        c,
		TaskChan:     taskChan,
		CallbackChan: callbackChan,
		Cfg: &config.Config{
			Version:        "test",
			WorkerSettings: &config.WorkerConfig{RenderMechanism: int(model.HeadlessBrowser)},
		},
		Log: testLogger(),
	}
	return w, taskChan, callbackChan
}

func marshalTask(t *testing.T, task *model.CrawlTask) []byte {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return body
}

func TestHandleTaskBeyondMaxDepthIsNoOp(t *testing.T) {
	renderer := &fakeRenderer{html: "<html><body><p>hi</p></body></html>"}
	c := newFakeCache()
	w, taskChan, callbackChan := newTestWorker(renderer, c)

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test/deep",
		OriginalURL:  "https://a.test",
		CurrentDepth: 2,
		MaxDepth:     1,
		Limit:        10,
		Callback:     "https://hook.test/cb",
	})
	err := w.HandleTask(context.Background(), body)

	require.NoError(t, err) // acked, dropped
	assert.Zero(t, renderer.calls)
	assert.Zero(t, c.puts)
	assert.Empty(t, taskChan)
	assert.Empty(t, callbackChan)
}

func TestHandleTaskAtMaxDepthIsProcessed(t *testing.T) {
	renderer := &fakeRenderer{html: "<html><body><p>content</p></body></html>"}
	w, _, callbackChan := newTestWorker(renderer, newFakeCache())

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test/page",
		OriginalURL:  "https://a.test",
		CurrentDepth: 1,
		MaxDepth:     1,
		Limit:        10,
		Callback:     "https://hook.test/cb",
	})
	err := w.HandleTask(context.Background(), body)

	require.NoError(t, err)
	assert.Equal(t, 1, renderer.calls)
	assert.Len(t, callbackChan, 1)
}

func TestHandleTaskSeedFanOut(t *testing.T) {
	// Three same-origin links and one cross-origin link, limit 2:
	// exactly two children at depth 1, the cross-origin link never enqueued.
	renderer := &fakeRenderer{html: `<html><body>
		<h1>Seed</h1>
		<a href="https://a.test/one">one</a>
		<a href="https://a.test/two">two</a>
		<a href="https://a.test/three">three</a>
		<a href="https://b.test/elsewhere">cross origin</a>
	</body></html>`}
	c := newFakeCache()
	w, taskChan, callbackChan := newTestWorker(renderer, c)

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        2,
		Callback:     "https://hook.test/cb",
		Detailed:     true,
		CrawlID:      "crawl-1",
	})
	err := w.HandleTask(context.Background(), body)
	require.NoError(t, err)

	require.Len(t, taskChan, 2)
	for range 2 {
		child := <-taskChan
		assert.Equal(t, 1, child.CurrentDepth)
		assert.Equal(t, 1, child.MaxDepth)
		assert.Equal(t, 2, child.Limit)
		assert.Equal(t, "https://a.test", child.OriginalURL)
		assert.Equal(t, "https://hook.test/cb", child.Callback)
		assert.True(t, child.Detailed)
		assert.Equal(t, "crawl-1", child.CrawlID)
		assert.NotEqual(t, "https://b.test/elsewhere", child.CurrentURL)
	}

	require.Len(t, callbackChan, 1)
	cb := <-callbackChan
	assert.Equal(t, "https://hook.test/cb", cb.Callback)
	assert.Equal(t, "https://a.test", cb.URL)

	artifact, ok := c.Get(model.KindScrape, "https://a.test")
	require.True(t, ok)
	assert.Contains(t, string(artifact), "# Seed")
}

func TestHandleTaskDeduplicatesLinksOnPage(t *testing.T) {
	renderer := &fakeRenderer{html: `<html><body>
		<p>text</p>
		<a href="/same">same</a>
		<a href="/same">same again</a>
		<a href="/same">and again</a>
	</body></html>`}
	w, taskChan, _ := newTestWorker(renderer, newFakeCache())

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     2,
		Limit:        10,
		Callback:     "https://hook.test/cb",
	})
	require.NoError(t, w.HandleTask(context.Background(), body))

	assert.Len(t, taskChan, 1)
}

func TestHandleTaskMemoSuppressesRepeatLinkWithinCrawl(t *testing.T) {
	renderer := &fakeRenderer{html: `<html><body><p>text</p><a href="/child">child</a></body></html>`}
	w, taskChan, _ := newTestWorker(renderer, newFakeCache())
	w.Seen = gocache.New(10*time.Minute, 10*time.Minute)

	task := &model.CrawlTask{
		CurrentURL:   "https://a.test",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     2,
		Limit:        5,
		Callback:     "https://hook.test/cb",
		CrawlID:      "crawl-1",
	}
	require.NoError(t, w.HandleTask(context.Background(), marshalTask(t, task)))
	require.NoError(t, w.HandleTask(context.Background(), marshalTask(t, task)))

	assert.Len(t, taskChan, 1, "a link already handed out in this traversal is not re-enqueued")
}

func TestHandleTaskSeparateCrawlsOfSameSeedBothFanOut(t *testing.T) {
	// Two independent crawl requests for the same seed, back to back: the
	// second traversal gets its own de-duplication state and must not
	// lose its subtree to the first one's memo.
	renderer := &fakeRenderer{html: `<html><body><p>text</p><a href="/child">child</a></body></html>`}
	w, taskChan, _ := newTestWorker(renderer, newFakeCache())
	w.Seen = gocache.New(10*time.Minute, 10*time.Minute)

	seed := model.CrawlTask{
		CurrentURL:   "https://a.test",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        5,
		Callback:     "https://hook.test/cb",
	}
	first := seed
	first.CrawlID = "crawl-1"
	second := seed
	second.CrawlID = "crawl-2"

	require.NoError(t, w.HandleTask(context.Background(), marshalTask(t, &first)))
	require.NoError(t, w.HandleTask(context.Background(), marshalTask(t, &second)))

	require.Len(t, taskChan, 2)
	childOne := <-taskChan
	childTwo := <-taskChan
	assert.Equal(t, "crawl-1", childOne.CrawlID)
	assert.Equal(t, "crawl-2", childTwo.CrawlID)
}

type fakeBucket struct {
	link  string
	calls int
}

func (b *fakeBucket) WriteSnapshot(_ string, _ string) string {
	b.calls++
	return b.link
}

type fakeMetadataStore struct {
	saved []*model.PageMetadata
}

func (s *fakeMetadataStore) Save(m *model.PageMetadata) {
	s.saved = append(s.saved, m)
}

func TestHandleTaskRecordsSnapshotLinkInMetadata(t *testing.T) {
	renderer := &fakeRenderer{html: "<html><body><p>content</p></body></html>"}
	w, _, _ := newTestWorker(renderer, newFakeCache())
	bucket := &fakeBucket{link: "https://snapshots.s3.us-east-1.amazonaws.com/snapshot/abc/page.html"}
	store := &fakeMetadataStore{}
	w.S3 = bucket
	w.Db = store
	w.Cfg.WorkerSettings.SnapshotToS3 = true
	w.Cfg.WorkerSettings.MetadataToDatabase = true

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test/page",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        5,
		Callback:     "https://hook.test/cb",
	})
	require.NoError(t, w.HandleTask(context.Background(), body))

	assert.Equal(t, 1, bucket.calls)
	require.Len(t, store.saved, 1)
	assert.Equal(t, bucket.link, store.saved[0].SnapshotLink)
}

func TestHandleTaskCacheHitSkipsExtraction(t *testing.T) {
	renderer := &fakeRenderer{html: "<html><body></body></html>"} // would fail extraction
	c := newFakeCache()
	c.Put(model.KindScrape, "https://a.test/cached", []byte("# cached artifact\n"))
	c.puts = 0
	w, _, callbackChan := newTestWorker(renderer, c)

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test/cached",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        5,
		Callback:     "https://hook.test/cb",
	})
	err := w.HandleTask(context.Background(), body)

	require.NoError(t, err)
	assert.Zero(t, c.puts, "a fresh cache entry is authoritative, no rewrite")
	assert.Len(t, callbackChan, 1)
}

func TestHandleTaskRenderFailureIsTaskFatal(t *testing.T) {
	renderer := &fakeRenderer{err: model.ErrBrowserUnavailable}
	w, taskChan, callbackChan := newTestWorker(renderer, newFakeCache())

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        5,
		Callback:     "https://hook.test/cb",
	})
	err := w.HandleTask(context.Background(), body)

	assert.ErrorIs(t, err, model.ErrBrowserUnavailable)
	assert.Empty(t, taskChan)
	assert.Empty(t, callbackChan)
}

func TestHandleTaskExtractionFailureIsTaskFatal(t *testing.T) {
	renderer := &fakeRenderer{html: "<html><body></body></html>"}
	w, _, callbackChan := newTestWorker(renderer, newFakeCache())

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test/empty",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        5,
		Callback:     "https://hook.test/cb",
	})
	err := w.HandleTask(context.Background(), body)

	assert.ErrorIs(t, err, model.ErrExtractionFailed)
	assert.Empty(t, callbackChan)
}

func TestHandleTaskChildrenStayEnqueuedAfterLaterFailure(t *testing.T) {
	// Fan-out happens before extraction; an extraction failure must not
	// roll the already-enqueued children back. At-least-once, not exactly-once.
	renderer := &fakeRenderer{html: `<html><body><a href="/child">child</a></body></html>`}
	w, taskChan, _ := newTestWorker(renderer, newFakeCache())
	w.Extractor = failingExtractor{}

	body := marshalTask(t, &model.CrawlTask{
		CurrentURL:   "https://a.test",
		OriginalURL:  "https://a.test",
		CurrentDepth: 0,
		MaxDepth:     1,
		Limit:        5,
		Callback:     "https://hook.test/cb",
	})
	err := w.HandleTask(context.Background(), body)

	assert.ErrorIs(t, err, model.ErrExtractionFailed)
	assert.Len(t, taskChan, 1)
}

func TestHandleTaskMalformedMessageIsDropped(t *testing.T) {
	w, _, _ := newTestWorker(&fakeRenderer{}, newFakeCache())

	err := w.HandleTask(context.Background(), []byte("{not json"))

	assert.NoError(t, err, "poison messages are acked, not redelivered forever")
}

type failingExtractor struct{}

func (failingExtractor) Markdown(_ *goquery.Document, _ bool) (string, error) {
	return "", model.ErrExtractionFailed
}
