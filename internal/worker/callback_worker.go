package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/cache"
	"github.com/IliaW/site-crawl-worker/internal/metrics"
	"github.com/IliaW/site-crawl-worker/internal/model"
)

// CallbackWorker delivers finished artifacts to the caller's webhook.
// The canonical callback payload is by-reference: the queue message
// carries {callback, url} and the artifact is resolved from the content
// cache at delivery time.
type CallbackWorker struct {
	Cache      cache.ArtifactCache
	HttpClient *http.Client
	Cfg        *config.CallbackConfig
	Log        *slog.Logger

	// Injectable for tests.
	Sleep func(time.Duration)
}

func NewCallbackWorker(artifactCache cache.ArtifactCache, cfg *config.CallbackConfig,
	log *slog.Logger) *CallbackWorker {
	return &CallbackWorker{
		Cache:      artifactCache,
		HttpClient: &http.Client{Timeout: cfg.RequestTimeout},
		Cfg:        cfg,
		Log:        log,
		Sleep:      time.Sleep,
	}
}

// HandleTask posts the artifact to the webhook with bounded retries.
// Exhausted retries and missing artifacts both drop the task (nil
// return acknowledges it): redelivering a callback that keeps failing
// would retry it forever for no benefit.
func (w *CallbackWorker) HandleTask(ctx context.Context, body []byte) error {
	var task model.CallbackTask
	if err := json.Unmarshal(body, &task); err != nil {
		w.Log.Error("failed to unmarshal callback task. dropping.", slog.String("err", err.Error()))
		return nil
	}
	log := w.Log.With(slog.String("url", task.URL), slog.String("callback", task.Callback))

	artifact, ok := w.Cache.Get(model.KindScrape, task.URL)
	if !ok {
		// The entry expired between the crawl and the delivery.
		log.Error("artifact missing from cache. dropping callback task.")
		metrics.CallbackDeliveries.WithLabelValues("missing_artifact").Inc()
		return nil
	}

	payload, err := json.Marshal(&model.CallbackPayload{URL: task.URL, Markdown: string(artifact)})
	if err != nil {
		log.Error("failed to marshal callback payload. dropping.", slog.String("err", err.Error()))
		return nil
	}

	attempts := w.Cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err = w.post(ctx, task.Callback, payload)
		if err == nil {
			log.Debug("callback delivered.", slog.Int("attempt", attempt))
			metrics.CallbackDeliveries.WithLabelValues("ok").Inc()
			return nil
		}
		log.Warn("callback delivery failed.", slog.Int("attempt", attempt),
			slog.String("err", err.Error()))
		if attempt < attempts {
			w.Sleep(w.Cfg.RetryDelay * time.Duration(attempt))
		}
	}
	log.Error("callback retries exhausted. dropping task.",
		slog.String("err", fmt.Errorf("%w: %s", model.ErrDeliveryFailed, err.Error()).Error()))
	metrics.CallbackDeliveries.WithLabelValues("failed").Inc()

	return nil
}

func (w *CallbackWorker) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HttpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	return nil
}
