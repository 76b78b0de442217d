// Package browser owns the headless renderer handle for one worker
// process. Launching a browser is expensive; the manager reuses one
// live handle across tasks and tears it down after an idle timeout.
// The handle is never shared across worker processes.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/metrics"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

type session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (s *session) close() {
	s.cancel()
	s.allocCancel()
}

type launchFunc func(cfg *config.BrowserConfig) (*session, error)

// Manager is the browser resource manager. State machine:
// Disconnected -> Connecting -> Ready -> (idle timeout) -> Disconnected.
type Manager struct {
	cfg *config.BrowserConfig
	log *slog.Logger

	mu          sync.Mutex
	sess        *session
	idleSeconds int
	timerArmed  bool

	// Injectable for tests.
	launch    launchFunc
	sleep     func(time.Duration)
	afterFunc func(time.Duration, func()) *time.Timer
}

func NewManager(cfg *config.BrowserConfig, log *slog.Logger) *Manager {
	if cfg.LaunchAttempts <= 0 {
		cfg.LaunchAttempts = 3
	}
	if cfg.LaunchBackoff <= 0 {
		cfg.LaunchBackoff = time.Second
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		launch:    launchChrome,
		sleep:     time.Sleep,
		afterFunc: time.AfterFunc,
	}
}

// ensure returns the live browser session, launching one if needed.
// A launch failure triggers a best-effort reclaim of orphaned sessions
// and a backoff of launchBackoff*attempt before the next try. After
// launchAttempts failures the error is ErrBrowserUnavailable: the task
// fails and the queue redelivery governs the retry, not this process.
func (m *Manager) ensure() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil && m.sess.ctx.Err() == nil {
		return m.sess, nil
	}
	for attempt := 1; attempt <= m.cfg.LaunchAttempts; attempt++ {
		s, err := m.launch(m.cfg)
		if err == nil {
			if m.sess != nil {
				// Release the dead session's allocator before replacing it.
				m.sess.close()
			}
			m.sess = s
			m.log.Info("browser launched.", slog.Int("attempt", attempt))
			metrics.BrowserLaunches.WithLabelValues("ok").Inc()
			return s, nil
		}
		m.log.Error("browser launch failed.", slog.Int("attempt", attempt),
			slog.String("err", err.Error()))
		metrics.BrowserLaunches.WithLabelValues("error").Inc()
		if rErr := m.reclaimOrphansLocked(); rErr != nil {
			// Cleanup is best-effort. The scrape can still succeed on the next attempt.
			m.log.Warn("failed to reclaim orphaned sessions.", slog.String("err", rErr.Error()))
		}
		if attempt < m.cfg.LaunchAttempts {
			m.sleep(m.cfg.LaunchBackoff * time.Duration(attempt))
		}
	}
	m.sess = nil

	return nil, fmt.Errorf("%w: gave up after %d launch attempts",
		model.ErrBrowserUnavailable, m.cfg.LaunchAttempts)
}

// reclaimOrphansLocked closes any targets still reachable from a stale
// session and releases its contexts. Callers discard the error.
func (m *Manager) reclaimOrphansLocked() error {
	if m.sess == nil {
		return nil
	}
	s := m.sess
	m.sess = nil
	defer s.close()

	targets, err := chromedp.Targets(s.ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		id := t.TargetID
		err = chromedp.Run(s.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return target.CloseTarget(id).Do(ctx)
		}))
		if err != nil {
			return err
		}
		m.log.Debug("closed orphaned target.", slog.String("url", t.URL))
	}

	return nil
}

// Touch resets the idle counter and arms the idle-teardown timer if one
// is not already pending. Called on task entry and exit.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleSeconds = 0
	m.armIdleTimerLocked()
}

func (m *Manager) armIdleTimerLocked() {
	if m.timerArmed {
		return
	}
	m.timerArmed = true
	m.afterFunc(m.cfg.IdleTick, m.idleTick)
}

func (m *Manager) idleTick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		m.timerArmed = false
		return
	}
	m.idleSeconds += int(m.cfg.IdleTick.Seconds())
	if m.idleSeconds >= int(m.cfg.IdleTimeout.Seconds()) {
		m.log.Info("idle timeout reached. closing browser.",
			slog.Int("idle_seconds", m.idleSeconds))
		m.sess.close()
		m.sess = nil
		m.timerArmed = false
		return
	}
	m.afterFunc(m.cfg.IdleTick, m.idleTick)
}

// Close tears the browser down immediately. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.log.Info("closing browser.")
		m.sess.close()
		m.sess = nil
	}
}

// RenderPage opens a tab, navigates to url, waits for the networkIdle
// lifecycle event and returns the rendered outer HTML. The tab is
// closed afterwards; the browser stays up for the next task.
func (m *Manager) RenderPage(ctx context.Context, url string) (string, error) {
	s, err := m.ensure()
	if err != nil {
		return "", err
	}
	m.Touch()

	tabCtx, closeTab := chromedp.NewContext(s.ctx)
	defer closeTab()
	tCtx, cancel := context.WithTimeout(tabCtx, m.cfg.NavTimeout)
	defer cancel()

	var html string
	err = chromedp.Run(tCtx,
		chromedp.Tasks{
			network.Enable(),
			network.SetExtraHTTPHeaders(map[string]interface{}{
				"User-Agent": m.cfg.UserAgent,
			}),
			enableLifeCycleEvents(),
			navigateAndWaitFor(url, "networkIdle"),
		},
		chromedp.ActionFunc(func(ctx context.Context) error {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			return err
		}),
	)
	m.Touch()
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}

	return html, nil
}

// Screenshot renders url the same way and captures a full-page PNG.
func (m *Manager) Screenshot(ctx context.Context, url string) ([]byte, error) {
	s, err := m.ensure()
	if err != nil {
		return nil, err
	}
	m.Touch()

	tabCtx, closeTab := chromedp.NewContext(s.ctx)
	defer closeTab()
	tCtx, cancel := context.WithTimeout(tabCtx, m.cfg.NavTimeout)
	defer cancel()

	var buf []byte
	err = chromedp.Run(tCtx,
		chromedp.Tasks{
			network.Enable(),
			enableLifeCycleEvents(),
			navigateAndWaitFor(url, "networkIdle"),
		},
		chromedp.FullScreenshot(&buf, 100),
	)
	m.Touch()
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", url, err)
	}

	return buf, nil
}

func launchChrome(cfg *config.BrowserConfig) (*session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	// Materialize the browser process now so launch failures surface here.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, err
	}

	return &session{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		return waitFor(ctx, eventName)
	}
}

func waitFor(ctx context.Context, eventName string) error {
	ch := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	chromedp.ListenTarget(cctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == eventName {
				cancel()
				close(ch)
			}
		}
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
