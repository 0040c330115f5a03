/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payment aggregator core server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Build the zap logger
  3. Open the SQLite store
  4. Assemble services: ledger, periods, settlements, overrides,
     reconciliation, event handlers, router + dispatcher
  5. Optionally seed the demo tenant (-seed)
  6. Start the settlement retry worker
  7. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database
  -seed    Seed the demo tenant on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop the retry worker
  3. Close the database
  4. Flush the logger

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment loading
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/api"
	"github.com/arthapay/paycore/approval"
	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/events"
	"github.com/arthapay/paycore/ledger"
	"github.com/arthapay/paycore/period"
	"github.com/arthapay/paycore/recon"
	"github.com/arthapay/paycore/router"
	"github.com/arthapay/paycore/settlement"
	"github.com/arthapay/paycore/store/sqlite"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	seed := flag.Bool("seed", false, "seed the demo tenant on startup")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	log, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := sqlite.New(cfg.Server.DBPath)
	if err != nil {
		log.Fatal("database open failed", zap.String("path", cfg.Server.DBPath), zap.Error(err))
	}

	// Services
	ledgerSvc := ledger.NewService(db, cfg.Ledger, log)
	periods := period.NewController(db, cfg.Period, log)
	overrides := approval.NewService(db, log)
	eventsH := events.NewHandler(db, ledgerSvc, log)
	machine := settlement.NewMachine(db, eventsH, cfg.Settlement, log)
	reconSvc := recon.NewService(db, log)

	// Router stack
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := router.NewMetrics(registry)
	tracker := router.NewHealthTracker(cfg.Router.Priority, metrics)
	rt := router.New(cfg.Router, tracker, metrics)
	dispatcher := router.NewDispatcher(cfg.Router, rt, tracker, buildProcessors(cfg), log)

	handler := api.NewHandler(db, cfg, log, ledgerSvc, periods, machine,
		overrides, reconSvc, eventsH, rt, tracker, dispatcher)

	if *seed {
		if err := handler.SeedDemo(context.Background()); err != nil {
			log.Fatal("demo seed failed", zap.Error(err))
		}
		log.Info("demo tenant ready", zap.String("tenant_id", api.DemoTenantID.String()))
	}

	worker := api.NewRetryWorker(machine, cfg.Settlement, log)
	worker.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Server.DBPath),
			zap.String("strategy", cfg.Router.Strategy))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}

	worker.Stop()
	if err := db.Close(); err != nil {
		log.Error("database close failed", zap.Error(err))
	}
	log.Info("server stopped")
}

// buildProcessors wires one adapter per configured gateway. Endpoints
// and credentials come from the environment so local runs can point the
// HTTP adapters at stubs.
func buildProcessors(cfg config.Config) []router.Processor {
	timeout := cfg.Router.GatewayTimeout
	procs := []router.Processor{
		router.NewRazorpay(envOr("RAZORPAY_URL", "https://api.razorpay.com"), os.Getenv("RAZORPAY_KEY"), timeout),
		router.NewPayU(envOr("PAYU_URL", "https://api.payu.in"), os.Getenv("PAYU_KEY"), timeout),
		router.NewCCAvenue(envOr("CCAVENUE_URL", "https://api.ccavenue.com"), os.Getenv("CCAVENUE_KEY"), timeout),
	}
	if key := os.Getenv("STRIPE_KEY"); key != "" {
		procs = append(procs, router.NewStripe(key))
	}
	return procs
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
