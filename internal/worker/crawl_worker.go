package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/aws_s3"
	"github.com/IliaW/site-crawl-worker/internal/cache"
	"github.com/IliaW/site-crawl-worker/internal/extract"
	"github.com/IliaW/site-crawl-worker/internal/metrics"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/IliaW/site-crawl-worker/internal/persistence"
	"github.com/IliaW/site-crawl-worker/internal/queue"
	"github.com/IliaW/site-crawl-worker/internal/scope"
	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	gocache "github.com/patrickmn/go-cache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Renderer is the opaque rendering capability. The browser manager
// implements it for the headless mechanism, the static fetcher for the
// plain-HTTP one.
type Renderer interface {
	RenderPage(ctx context.Context, url string) (string, error)
}

// Extractor turns a parsed document into the markdown artifact.
type Extractor interface {
	Markdown(doc *goquery.Document, detailed bool) (string, error)
}

// QueueWorker is the consume loop: it takes messages off the shared
// channel and dispatches them by source. One worker processes one
// message at a time; concurrency comes from running several workers.
type QueueWorker struct {
	MsgChan   <-chan *queue.Message
	Router    *queue.Router
	PanicChan chan struct{}
	Log       *slog.Logger
	Wg        *sync.WaitGroup
}

func (w *QueueWorker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("PANIC!", slog.Any("err", r))
			w.PanicChan <- struct{}{}
		}
	}()
	defer w.Wg.Done()
	w.Log.Debug("starting queue worker.")

	for msg := range w.MsgChan {
		if err := w.Router.Dispatch(ctx, msg); err != nil {
			w.Log.Error("task failed.", slog.String("source", msg.Source),
				slog.String("err", err.Error()))
		}
	}
}

// CrawlWorker is the crawl actor: one frontier task in, up to `limit`
// child tasks and one callback task out.
type CrawlWorker struct {
	Renderer     Renderer
	Extractor    Extractor
	Cache        cache.ArtifactCache
	TaskChan     chan<- *model.CrawlTask
	CallbackChan chan<- *model.CallbackTask
	Seen         *gocache.Cache
	S3           aws_s3.BucketClient
	Db           persistence.MetadataStorage
	Cfg          *config.Config
	Log          *slog.Logger
}

// HandleTask processes one frontier message. A nil return acknowledges
// the message; an error leaves it to the queue's redelivery policy.
// Children enqueued before a later failure stay enqueued: the frontier
// is at-least-once, not exactly-once, and duplicate re-scrapes are
// harmless because cache writes are idempotent.
func (w *CrawlWorker) HandleTask(ctx context.Context, body []byte) error {
	var task model.CrawlTask
	if err := json.Unmarshal(body, &task); err != nil {
		// Malformed messages are poison; drop instead of redelivering forever.
		w.Log.Error("failed to unmarshal crawl task. dropping.", slog.String("err", err.Error()))
		return nil
	}
	log := w.Log.With(slog.String("url", task.CurrentURL), slog.Int("depth", task.CurrentDepth))

	// Depths 0..maxDepth inclusive are processed.
	if task.CurrentDepth > task.MaxDepth {
		log.Debug("task beyond max depth. dropping without side effects.")
		metrics.CrawlTasksProcessed.WithLabelValues("dropped_depth").Inc()
		return nil
	}

	start := time.Now()
	html, err := w.Renderer.RenderPage(ctx, task.CurrentURL)
	if err != nil {
		log.Error("rendering failed.", slog.String("err", err.Error()))
		metrics.CrawlTasksProcessed.WithLabelValues("render_error").Inc()
		return err
	}
	renderMs := time.Since(start).Milliseconds()
	metrics.RenderDuration.Observe(time.Since(start).Seconds())

	doc, err := extract.Parse(html)
	if err != nil {
		log.Error("parsing failed.", slog.String("err", err.Error()))
		metrics.CrawlTasksProcessed.WithLabelValues("extract_error").Inc()
		return err
	}

	links := scope.ChildLinks(doc, task.CurrentURL, task.OriginalURL, task.Limit)
	enqueued := w.fanOut(&task, links)
	log.Debug("fan-out done.", slog.Int("found", len(links)), slog.Int("enqueued", enqueued))

	artifact, cacheHit := w.resolveArtifact(&task, doc, log)
	if artifact == nil {
		metrics.CrawlTasksProcessed.WithLabelValues("extract_error").Inc()
		return model.ErrExtractionFailed
	}

	w.sideWrites(&task, html, &model.PageMetadata{
		URL:           task.CurrentURL,
		OriginalURL:   task.OriginalURL,
		Depth:         task.CurrentDepth,
		Mechanism:     model.RenderMechanism(w.Cfg.WorkerSettings.RenderMechanism).String(),
		TimeToRender:  renderMs,
		LinksFound:    len(links),
		LinksEnqueued: enqueued,
		CacheHit:      cacheHit,
		WorkerVersion: w.Cfg.Version,
	})

	w.CallbackChan <- &model.CallbackTask{Callback: task.Callback, URL: task.CurrentURL}
	metrics.CrawlTasksProcessed.WithLabelValues("ok").Inc()

	return nil
}

// fanOut emits one child task per retained link at depth+1. The seen
// memo suppresses re-enqueueing links this process handed out recently
// within the same traversal, keyed by crawl id so an independent crawl
// of the same seed starts clean. Best-effort only; the depth gate stays
// the real bound.
func (w *CrawlWorker) fanOut(task *model.CrawlTask, links []string) int {
	enqueued := 0
	for _, link := range links {
		if w.Seen != nil && task.CrawlID != "" {
			memoKey := task.CrawlID + "|" + link
			if _, dup := w.Seen.Get(memoKey); dup {
				continue
			}
			w.Seen.Set(memoKey, struct{}{}, gocache.DefaultExpiration)
		}
		w.TaskChan <- task.Child(link)
		enqueued++
		metrics.ChildTasksEnqueued.Inc()
	}
	return enqueued
}

// resolveArtifact is the cache-aside read: a fresh cache entry is
// authoritative and skips extraction entirely. Returns nil only when
// extraction fails on a cache miss.
func (w *CrawlWorker) resolveArtifact(task *model.CrawlTask, doc *goquery.Document,
	log *slog.Logger) ([]byte, bool) {
	if artifact, ok := w.Cache.Get(model.KindScrape, task.CurrentURL); ok {
		metrics.CacheReads.WithLabelValues(model.KindScrape, "hit").Inc()
		return artifact, true
	}
	metrics.CacheReads.WithLabelValues(model.KindScrape, "miss").Inc()

	md, err := w.Extractor.Markdown(doc, task.Detailed)
	if err != nil {
		log.Error("extraction failed.", slog.String("err", err.Error()))
		return nil, false
	}
	artifact := []byte(md)
	w.Cache.Put(model.KindScrape, task.CurrentURL, artifact)

	return artifact, false
}

func (w *CrawlWorker) sideWrites(task *model.CrawlTask, html string, meta *model.PageMetadata) {
	if w.S3 != nil && w.Cfg.WorkerSettings.SnapshotToS3 {
		meta.SnapshotLink = w.S3.WriteSnapshot(task.CurrentURL, html)
	}
	if w.Db != nil && w.Cfg.WorkerSettings.MetadataToDatabase {
		w.Db.Save(meta)
	}
}
