package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dividend-ingest/internal/apigate"
	"dividend-ingest/internal/config"
	"dividend-ingest/internal/handler"
	"dividend-ingest/internal/jobmanager"
	"dividend-ingest/internal/ratebudget"
	"dividend-ingest/internal/routing"
	"dividend-ingest/internal/store"
	"dividend-ingest/internal/upstream"
	"dividend-ingest/internal/worker"
	"dividend-ingest/internal/wsjobhub"
)

const numWorkers = 2

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	gdb, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	if err := store.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal("db migrate failed", zap.Error(err))
	}

	if cfg.TickerAPIKey != "" {
		seedStaticAPIKey(gdb, cfg.TickerAPIKey)
	}

	clock := ratebudget.NewClock()
	gw := store.NewGormGateway(gdb)
	budget := ratebudget.New(gdb, clock)
	fetcher := upstream.New(cfg.PolygonAPIKey, budget, clock, log)
	oracle := routing.New()
	manager := jobmanager.New(gw)

	var fastQueue handler.FastQueueSink
	if cfg.FastQueueURL != "" {
		fastQueue = handler.NewHTTPSink(cfg.FastQueueURL)
	} else {
		fastQueue = handler.NewLocalSink(manager)
	}

	limiter := apigate.NewLimiter(cfg.RateLimitDefault, clock)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < numWorkers; i++ {
		w := worker.New("worker-"+uuid.NewString()[:8], gw, fetcher, budget, clock, log)
		go w.Run(ctx)
	}

	hub := wsjobhub.New(manager, log)
	r := newRouter(cfg, gw, oracle, manager, fetcher, budget, clock, fastQueue, limiter, hub, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// loadConfig turns config.Load's panic-on-missing-required-var
// contract into a plain error for main to handle (spec.md §7's Fatal
// taxonomy, surfaced before any server starts listening).
func loadConfig() (cfg config.Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = errString(fmt.Sprint(r))
		}
	}()
	return config.Load()
}

type errString string

func (e errString) Error() string { return string(e) }

// seedStaticAPIKey ensures the operator-configured TICKER_API_KEY
// (spec.md §6.3) authenticates as a premium-tier ApiUser without
// requiring a manual row insert.
func seedStaticAPIKey(gdb *gorm.DB, key string) {
	user := store.ApiUser{
		ID:               uuid.NewString(),
		APIKey:           key,
		PlanType:         store.PlanPremium,
		MaxSubscriptions: 1000,
		IsActive:         true,
		CreatedAt:        time.Now(),
	}
	gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
}

func newRouter(
	cfg config.Config,
	gw store.Gateway,
	oracle routing.Oracle,
	manager *jobmanager.Manager,
	fetcher upstream.Fetcher,
	budget *ratebudget.Budget,
	clock ratebudget.Clock,
	fastQueue handler.FastQueueSink,
	limiter *apigate.Limiter,
	hub *wsjobhub.Hub,
	log *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(apigate.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		body := fmt.Sprintf(`{"status":"ok","timestamp":"%s","service":"dividend-ingest","version":"1"}`,
			clock.Now().UTC().Format(time.RFC3339))
		_, _ = w.Write([]byte(body))
	})

	r.Post("/process-queue", (&handler.JobsHandler{Store: gw, Manager: manager, Fetcher: fetcher, Budget: budget, Clock: clock, Log: log}).ProcessQueue)

	ingestion := &handler.IngestionHandler{Store: gw, Oracle: oracle, Manager: manager, FastQueue: fastQueue, Log: log}
	dividends := &handler.DividendsHandler{Store: gw}
	jobs := &handler.JobsHandler{Store: gw, Manager: manager, Fetcher: fetcher, Budget: budget, Clock: clock, Log: log}
	subs := &handler.SubscriptionHandler{Store: gw, FastQueue: fastQueue, Log: log}

	r.Group(func(r chi.Router) {
		r.Use(apigate.RequireAPIKey(gw))
		r.Use(apigate.RateLimit(limiter))

		r.Get("/dividends/all", dividends.All)
		r.Get("/dividends/{ticker}", dividends.ByTicker)
		r.Post("/update-tickers", ingestion.UpdateTickers)
		r.Get("/jobs", jobs.List)
		r.Get("/job-status/{jobId}", jobs.Status)
		r.Delete("/jobs", jobs.Cancel)
		r.Post("/process", jobs.Process)
		r.Get("/subscriptions", subs.List)
		r.Post("/subscriptions", subs.Create)
		r.Delete("/subscriptions", subs.Delete)
		r.Post("/subscriptions/bulk", subs.Bulk)
		r.Get("/my-dividends", subs.MyDividends)
		r.Get("/jobs/{id}/stream", hub.ServeJobStream)
	})

	return r
}
