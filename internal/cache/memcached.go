package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/bradfitz/gomemcache/memcache"
)

// ArtifactCache is the cache-aside content store. A fresh entry is
// authoritative and always preferred over re-rendering. Put failures
// are absorbed and logged: the artifact can be rebuilt on the next
// request, so a failed write must never fail the task.
type ArtifactCache interface {
	Get(kind string, url string) ([]byte, bool)
	Put(kind string, url string, value []byte)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) Get(kind string, url string) ([]byte, bool) {
	item, err := mc.client.Get(artifactKey(kind, url))
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			mc.log.Warn("cache read failed.", slog.String("kind", kind),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	mc.log.Debug("cache hit.", slog.String("kind", kind), slog.String("url", url))

	return item.Value, true
}

func (mc *MemcachedClient) Put(kind string, url string, value []byte) {
	item := &memcache.Item{
		Key:        artifactKey(kind, url),
		Value:      value,
		Expiration: int32(mc.ttlFor(kind).Seconds()),
	}
	if err := mc.client.Set(item); err != nil {
		mc.log.Error("failed to save artifact to cache.", slog.String("kind", kind),
			slog.String("url", url), slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("artifact saved to cache.", slog.String("kind", kind), slog.String("url", url))
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) ttlFor(kind string) time.Duration {
	if kind == model.KindScreenshot {
		return mc.cfg.TtlForScreenshot
	}
	return mc.cfg.TtlForScrape
}

// artifactKey builds the "<kind>:<url>" key. The url component is
// hashed: memcached keys are capped at 250 bytes and reject spaces,
// which real-world URLs violate.
func artifactKey(kind string, url string) string {
	hash := sha256.New()
	hash.Write([]byte(url))
	return kind + ":" + hex.EncodeToString(hash.Sum(nil))
}
