package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	m := NewManager(&config.BrowserConfig{
		LaunchAttempts: 3,
		LaunchBackoff:  time.Second,
		IdleTick:       10 * time.Second,
		IdleTimeout:    60 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.sleep = func(time.Duration) {}
	m.afterFunc = func(time.Duration, func()) *time.Timer { return nil }
	return m
}

func fakeSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel, allocCancel: func() {}}
}

func TestEnsureReturnsLiveSessionWithoutRelaunch(t *testing.T) {
	m := testManager()
	launches := 0
	m.launch = func(*config.BrowserConfig) (*session, error) {
		launches++
		return fakeSession(), nil
	}

	first, err := m.ensure()
	require.NoError(t, err)
	second, err := m.ensure()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, launches)
}

func TestEnsureRelaunchesAfterSessionDied(t *testing.T) {
	m := testManager()
	launches := 0
	m.launch = func(*config.BrowserConfig) (*session, error) {
		launches++
		return fakeSession(), nil
	}

	first, err := m.ensure()
	require.NoError(t, err)
	first.cancel()

	second, err := m.ensure()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, launches)
}

func TestEnsureReleasesDeadSessionOnRelaunch(t *testing.T) {
	m := testManager()
	m.launch = func(*config.BrowserConfig) (*session, error) {
		return fakeSession(), nil
	}

	released := false
	dead := fakeSession()
	dead.allocCancel = func() { released = true }
	m.sess = dead
	dead.cancel()

	_, err := m.ensure()
	require.NoError(t, err)
	assert.True(t, released, "stale session allocator must be released on relaunch")
}

func TestEnsureExhaustsLaunchAttempts(t *testing.T) {
	m := testManager()
	launches := 0
	m.launch = func(*config.BrowserConfig) (*session, error) {
		launches++
		return nil, errors.New("no chrome")
	}
	var backoffs []time.Duration
	m.sleep = func(d time.Duration) { backoffs = append(backoffs, d) }

	_, err := m.ensure()

	assert.ErrorIs(t, err, model.ErrBrowserUnavailable)
	assert.Equal(t, 3, launches)
	// Strictly increasing backoff between attempts, none after the last.
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, backoffs)
}

func TestTouchArmsIdleTimerOnce(t *testing.T) {
	m := testManager()
	armed := 0
	m.afterFunc = func(time.Duration, func()) *time.Timer {
		armed++
		return nil
	}

	m.Touch()
	m.Touch()
	m.Touch()

	assert.Equal(t, 1, armed)
}

func TestIdleTeardownAfterTimeout(t *testing.T) {
	m := testManager()
	var pending func()
	m.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		pending = f
		return nil
	}
	s := fakeSession()
	m.sess = s
	m.Touch()

	// Five ticks keep the browser alive (50s idle), the sixth tears it down.
	for i := 0; i < 5; i++ {
		require.NotNil(t, pending)
		tick := pending
		pending = nil
		tick()
		assert.NotNil(t, m.sess, "browser closed too early on tick %d", i+1)
	}
	require.NotNil(t, pending)
	pending()

	assert.Nil(t, m.sess)
	assert.Error(t, s.ctx.Err())
	assert.False(t, m.timerArmed)
}

func TestTouchResetsIdleCounter(t *testing.T) {
	m := testManager()
	var pending func()
	m.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		pending = f
		return nil
	}
	m.sess = fakeSession()
	m.Touch()

	for i := 0; i < 4; i++ {
		tick := pending
		pending = nil
		tick()
	}
	assert.Equal(t, 40, m.idleSeconds)

	m.Touch()
	assert.Equal(t, 0, m.idleSeconds)
	assert.NotNil(t, m.sess)
}

func TestIdleTimerStopsWhenDisconnected(t *testing.T) {
	m := testManager()
	var pending func()
	m.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		pending = f
		return nil
	}
	m.Touch() // no session: the next tick must disarm, not reschedule
	tick := pending
	pending = nil
	tick()

	assert.False(t, m.timerArmed)
	assert.Nil(t, pending)
}
