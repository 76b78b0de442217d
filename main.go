package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/site-crawl-worker/config"
	"github.com/IliaW/site-crawl-worker/internal/aws_s3"
	"github.com/IliaW/site-crawl-worker/internal/broker"
	"github.com/IliaW/site-crawl-worker/internal/browser"
	cacheClient "github.com/IliaW/site-crawl-worker/internal/cache"
	"github.com/IliaW/site-crawl-worker/internal/extract"
	"github.com/IliaW/site-crawl-worker/internal/fetch"
	"github.com/IliaW/site-crawl-worker/internal/model"
	"github.com/IliaW/site-crawl-worker/internal/persistence"
	"github.com/IliaW/site-crawl-worker/internal/queue"
	"github.com/IliaW/site-crawl-worker/internal/server"
	"github.com/IliaW/site-crawl-worker/internal/worker"
	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"
	gocache "github.com/patrickmn/go-cache"
)

var (
	cfg          *config.Config
	log          *slog.Logger
	db           *sql.DB
	s3           aws_s3.BucketClient
	cache        cacheClient.ArtifactCache
	metadataRepo persistence.MetadataStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	if cfg.WorkerSettings.MetadataToDatabase {
		db = setupDatabase()
		defer closeDatabase()
		metadataRepo = persistence.NewMetadataRepository(db, log)
	}
	if cfg.WorkerSettings.SnapshotToS3 {
		s3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	}
	cache = cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
	defer cache.Close()

	browserManager := browser.NewManager(cfg.BrowserSettings, log)
	defer browserManager.Close()
	var renderer worker.Renderer
	switch model.RenderMechanism(cfg.WorkerSettings.RenderMechanism) {
	case model.Static:
		renderer = fetch.NewStaticFetcher(cfg.WorkerSettings, log)
	default:
		renderer = browserManager
	}
	extractor := extract.NewExtractor()
	log.Info("starting application on port "+cfg.HttpSettings.Port, slog.String("env", cfg.Env))

	msgChan := make(chan *queue.Message, 100) // TODO: Benchmark tests are required to configure the buffer size
	taskChan := make(chan *model.CrawlTask, 100)
	callbackChan := make(chan *model.CallbackTask, 100)
	panicChan := make(chan struct{}, cfg.WorkerSettings.MaxWorkers)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(2)
	taskConsumer := broker.NewKafkaConsumer(msgChan, cfg.KafkaSettings.Consumer.TaskTopicName,
		queue.SourceCrawlTasks, cfg.KafkaSettings.Consumer, log, kafkaWg)
	go taskConsumer.Run(ctx)
	callbackConsumer := broker.NewKafkaConsumer(msgChan, cfg.KafkaSettings.Consumer.CallbackTopicName,
		queue.SourceCallbackTasks, cfg.KafkaSettings.Consumer, log, kafkaWg)
	go callbackConsumer.Run(ctx)

	crawlWorker := &worker.CrawlWorker{
		Renderer:     renderer,
		Extractor:    extractor,
		Cache:        cache,
		TaskChan:     taskChan,
		CallbackChan: callbackChan,
		Seen:         gocache.New(cfg.WorkerSettings.SeenUrlTtl, cfg.WorkerSettings.SeenUrlTtl),
		S3:           s3,
		Db:           metadataRepo,
		Cfg:          cfg,
		Log:          log,
	}
	callbackWorker := worker.NewCallbackWorker(cache, cfg.CallbackSettings, log)
	router := queue.NewRouter(log)
	router.Handle(queue.SourceCrawlTasks, crawlWorker.HandleTask)
	router.Handle(queue.SourceCallbackTasks, callbackWorker.HandleTask)

	workerWg := &sync.WaitGroup{}
	queueWorker := &worker.QueueWorker{
		MsgChan:   msgChan,
		Router:    router,
		PanicChan: panicChan,
		Log:       log,
		Wg:        workerWg,
	}
	for i := 0; i < cfg.WorkerSettings.MaxWorkers; i++ {
		workerWg.Add(1)
		go queueWorker.Run(ctx)
	}
	// Restart workers if they panic.
	go func() {
		for range panicChan {
			workerWg.Add(1)
			go queueWorker.Run(ctx)
			time.Sleep(3 * time.Minute) // timeout to avoid polluting logs if something unrecoverable happened
		}
	}()

	producerWg := &sync.WaitGroup{}
	producerWg.Add(2)
	taskProducer := broker.NewKafkaProducer(taskChan, cfg.KafkaSettings.Producer.TaskTopicName,
		func(t *model.CrawlTask) string { return t.CurrentURL },
		cfg.KafkaSettings.Producer, log, producerWg)
	go taskProducer.Run()
	callbackProducer := broker.NewKafkaProducer(callbackChan, cfg.KafkaSettings.Producer.CallbackTopicName,
		func(t *model.CallbackTask) string { return t.URL },
		cfg.KafkaSettings.Producer, log, producerWg)
	go callbackProducer.Run()

	scrapeService := &worker.ScrapeService{
		Renderer:  renderer,
		Shooter:   browserManager,
		Extractor: extractor,
		Cache:     cache,
		Log:       log,
	}
	httpServer := &http.Server{
		Addr:         ":" + cfg.HttpSettings.Port,
		Handler:      server.New(cfg.HttpSettings, scrapeService, taskChan, log).Router(),
		ReadTimeout:  cfg.HttpSettings.ReadTimeout,
		WriteTimeout: cfg.HttpSettings.WriteTimeout,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped.", slog.String("err", err.Error()))
			stop()
		}
	}()

	// Graceful shutdown.
	// 1. Stop the HTTP server, no new seed tasks.
	// 2. Stop kafka consumers by system call. Close msgChan.
	// 3. Wait till all workers processed all messages from msgChan. Close taskChan and callbackChan.
	// 4. Wait till producers write the remaining fan-out to kafka. Close the browser and connections.
	<-ctx.Done()
	log.Info("stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown http server.", slog.String("err", err.Error()))
	}
	kafkaWg.Wait()
	close(msgChan)
	log.Info("close msgChan.")
	workerWg.Wait()
	close(taskChan)
	close(callbackChan)
	close(panicChan)
	log.Info("close task and callback channels.")
	producerWg.Wait()
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
