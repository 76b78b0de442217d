// Package fetch provides the static (no script execution) render
// mechanism. Pages that need JavaScript go through the browser manager
// instead; the choice is a config knob on the worker.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/gocolly/colly"
)

type StaticFetcher struct {
	cfg *config.WorkerConfig
	log *slog.Logger
}

func NewStaticFetcher(cfg *config.WorkerConfig, log *slog.Logger) *StaticFetcher {
	return &StaticFetcher{cfg: cfg, log: log}
}

// RenderPage fetches the raw HTML of url with a plain HTTP GET.
func (f *StaticFetcher) RenderPage(_ context.Context, url string) (string, error) {
	c := colly.NewCollector()
	c.SetRequestTimeout(f.cfg.RenderTimeout)
	c.UserAgent = f.cfg.UserAgent

	var html string
	var fetchErr error
	c.OnResponse(func(resp *colly.Response) {
		html = string(resp.Body)
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	if err := c.Visit(url); err != nil {
		return "", fmt.Errorf("static fetch %s: %w", url, err)
	}
	if fetchErr != nil {
		return "", fmt.Errorf("static fetch %s: %w", url, fetchErr)
	}
	f.log.Debug("static fetch done.", slog.String("url", url))

	return html, nil
}
