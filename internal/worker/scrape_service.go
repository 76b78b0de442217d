package worker

import (
	"context"
	"log/slog"

	"github.com/IliaW/site-crawl-worker/internal/cache"
	"github.com/IliaW/site-crawl-worker/internal/extract"
	"github.com/IliaW/site-crawl-worker/internal/metrics"
	"github.com/IliaW/site-crawl-worker/internal/model"
)

// Screenshotter is the rendering capability behind GET /screenshot.
// Only the browser manager implements it; the static mechanism cannot.
type Screenshotter interface {
	Screenshot(ctx context.Context, url string) ([]byte, error)
}

// ScrapeService backs the synchronous HTTP endpoints with the same
// cache-aside discipline the crawl actor uses: a fresh cache entry
// short-circuits before any renderer fetch.
type ScrapeService struct {
	Renderer  Renderer
	Shooter   Screenshotter
	Extractor Extractor
	Cache     cache.ArtifactCache
	Log       *slog.Logger
}

func (s *ScrapeService) Scrape(ctx context.Context, url string, useCache bool,
	detailed bool) ([]byte, error) {
	if useCache {
		if artifact, ok := s.Cache.Get(model.KindScrape, url); ok {
			metrics.CacheReads.WithLabelValues(model.KindScrape, "hit").Inc()
			return artifact, nil
		}
		metrics.CacheReads.WithLabelValues(model.KindScrape, "miss").Inc()
	}

	html, err := s.Renderer.RenderPage(ctx, url)
	if err != nil {
		return nil, err
	}
	doc, err := extract.Parse(html)
	if err != nil {
		return nil, err
	}
	md, err := s.Extractor.Markdown(doc, detailed)
	if err != nil {
		return nil, err
	}
	artifact := []byte(md)
	s.Cache.Put(model.KindScrape, url, artifact)

	return artifact, nil
}

func (s *ScrapeService) Screenshot(ctx context.Context, url string, useCache bool) ([]byte, error) {
	if useCache {
		if png, ok := s.Cache.Get(model.KindScreenshot, url); ok {
			metrics.CacheReads.WithLabelValues(model.KindScreenshot, "hit").Inc()
			return png, nil
		}
		metrics.CacheReads.WithLabelValues(model.KindScreenshot, "miss").Inc()
	}

	png, err := s.Shooter.Screenshot(ctx, url)
	if err != nil {
		return nil, err
	}
	s.Cache.Put(model.KindScreenshot, url, png)

	return png, nil
}
