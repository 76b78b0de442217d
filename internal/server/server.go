// Package server is the frontier dispatcher: the thin HTTP boundary
// that validates crawl requests and emits the seed frontier task. It
// does not wait for crawl completion.
package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	netUrl "net/url"
	"strings"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/IliaW/site-crawl-worker/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	cfg      *config.HttpConfig
	scrape   *worker.ScrapeService
	taskChan chan<- *model.CrawlTask
	log      *slog.Logger
}

func New(cfg *config.HttpConfig, scrape *worker.ScrapeService,
	taskChan chan<- *model.CrawlTask, log *slog.Logger) *Server {
	return &Server{cfg: cfg, scrape: scrape, taskChan: taskChan, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/scrape", s.handleScrape)
	r.Get("/screenshot", s.handleScreenshot)
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/crawl", s.handleCrawl)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handleCrawl validates the request and enqueues the seed task at
// depth 0. Returns 202 immediately; results arrive at the callback.
func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	var req model.CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !isAbsoluteHttpUrl(req.URL) {
		s.writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}
	if !isAbsoluteHttpUrl(req.Callback) {
		s.writeError(w, http.StatusBadRequest, "callback must be an absolute http(s) url")
		return
	}
	if req.Depth < 1 || req.Depth > s.cfg.MaxDepthLimit {
		s.writeError(w, http.StatusBadRequest, "depth out of range")
		return
	}
	if req.Limit < 1 || req.Limit > s.cfg.MaxLinkLimit {
		s.writeError(w, http.StatusBadRequest, "limit out of range")
		return
	}

	requestId := uuid.NewString()
	s.taskChan <- &model.CrawlTask{
		CurrentURL:   req.URL,
		OriginalURL:  req.URL,
		CurrentDepth: 0,
		MaxDepth:     req.Depth,
		Limit:        req.Limit,
		Callback:     req.Callback,
		Detailed:     req.Detailed,
		CrawlID:      requestId,
	}
	s.log.Info("crawl accepted.", slog.String("url", req.URL),
		slog.String("request_id", requestId))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "accepted",
		"request_id": requestId,
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req model.ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !isAbsoluteHttpUrl(req.URL) {
		s.writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}
	useCache := req.CacheEnabled == nil || *req.CacheEnabled

	artifact, err := s.scrape.Scrape(r.Context(), req.URL, useCache, req.Detailed)
	if err != nil {
		s.log.Error("scrape failed.", slog.String("url", req.URL), slog.String("err", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "scrape failed")
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if !isAbsoluteHttpUrl(url) {
		s.writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}
	useCache := r.URL.Query().Get("cache_enabled") != "false"

	png, err := s.scrape.Screenshot(r.Context(), url, useCache)
	if err != nil {
		s.log.Error("screenshot failed.", slog.String("url", url), slog.String("err", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "screenshot failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BearerToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func isAbsoluteHttpUrl(raw string) bool {
	u, err := netUrl.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
