package model

import "errors"

// Task-fatal and delivery errors. Task-fatal errors are not retried
// in-process; the queue redelivery policy governs re-attempts.
var (
	ErrBrowserUnavailable = errors.New("browser unavailable")
	ErrExtractionFailed   = errors.New("extraction failed")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrUnknownQueueSource = errors.New("unknown queue source")
)

type RenderMechanism int

const (
	Static RenderMechanism = iota
	HeadlessBrowser
)

func (rm RenderMechanism) String() string {
	switch rm {
	case Static:
		return "static"
	case HeadlessBrowser:
		return "headless browser"
	default:
		return "unknown"
	}
}

// Artifact kinds used as the first component of cache keys.
const (
	KindScrape     = "scrape"
	KindScreenshot = "screenshot"
)

// CrawlTask is one unit of frontier work. Field names are the queue
// wire contract and must not change independently of the producers.
// CrawlID identifies one traversal: the dispatcher mints it for the
// seed and every child inherits it, so two crawls of the same seed
// never share de-duplication state.
type CrawlTask struct {
	CurrentURL   string `json:"currentUrl"`
	OriginalURL  string `json:"originalUrl"`
	CurrentDepth int    `json:"currentDepth"`
	MaxDepth     int    `json:"maxDepth"`
	Limit        int    `json:"limit"`
	Callback     string `json:"callback"`
	Detailed     bool   `json:"detailed,omitempty"`
	CrawlID      string `json:"crawlId,omitempty"`
}

// Child derives the frontier task for a discovered link. Depth grows
// by exactly one; everything else is inherited from the parent.
func (t *CrawlTask) Child(url string) *CrawlTask {
	return &CrawlTask{
		CurrentURL:   url,
		OriginalURL:  t.OriginalURL,
		CurrentDepth: t.CurrentDepth + 1,
		MaxDepth:     t.MaxDepth,
		Limit:        t.Limit,
		Callback:     t.Callback,
		Detailed:     t.Detailed,
		CrawlID:      t.CrawlID,
	}
}

// CallbackTask points the delivery worker at a cached artifact. The
// artifact itself travels through the content cache, not the queue.
type CallbackTask struct {
	Callback string `json:"callback"`
	URL      string `json:"url"`
}

// CrawlRequest is the body of POST /crawl.
type CrawlRequest struct {
	URL      string `json:"url"`
	Callback string `json:"callback"`
	Depth    int    `json:"depth"`
	Limit    int    `json:"limit"`
	Detailed bool   `json:"detailed,omitempty"`
}

// ScrapeRequest is the body of POST /scrape.
type ScrapeRequest struct {
	URL          string `json:"url"`
	CacheEnabled *bool  `json:"cache_enabled,omitempty"`
	Detailed     bool   `json:"detailed,omitempty"`
}

// CallbackPayload is what the delivery worker POSTs to the webhook.
type CallbackPayload struct {
	URL      string `json:"url"`
	Markdown string `json:"markdown"`
}

// PageMetadata is the per-page crawl record persisted to the database.
type PageMetadata struct {
	URL           string
	OriginalURL   string
	Depth         int
	Mechanism     string
	TimeToRender  int64 // in milliseconds
	LinksFound    int
	LinksEnqueued int
	CacheHit      bool
	SnapshotLink  string
	WorkerVersion string
}
