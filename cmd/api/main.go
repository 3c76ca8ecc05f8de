package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campaigner/internal/awsutil"
	"campaigner/internal/config"
	"campaigner/internal/dispatch"
	"campaigner/internal/httpserver"
	"campaigner/internal/logging"
	"campaigner/internal/observability"
	"campaigner/internal/providers/twilio"
	sqsqueue "campaigner/internal/queue/sqs"
	"campaigner/internal/scheduler"
	"campaigner/internal/service"
	"campaigner/internal/store/pg"
	"campaigner/internal/util"
	"campaigner/internal/validate"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptionsFrom(cfg.DB))
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	observability.Register(prometheus.DefaultRegisterer)

	checks := []httpserver.ReadyzCheck{st.Ping}

	// Runs go to the worker over SQS, or execute here when no run queue is
	// configured. The standalone mode also owns scheduling and recovery, so
	// it must not run next to a worker.
	var launcher dispatch.Launcher
	var pool *dispatch.Pool
	var sched *scheduler.Scheduler
	if cfg.RunQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWS)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		launcher = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.RunQueueURL}
		checks = append(checks, func(c context.Context) error {
			return sqsqueue.Ping(c, sqsClient, cfg.RunQueueURL)
		})
		slog.Info("api dispatch mode", "mode", "queue", "queue_url", cfg.RunQueueURL)
	} else {
		pool = dispatch.NewPool(&dispatch.Dispatcher{
			Store:           st,
			Sender:          twilio.NewSender(cfg.Twilio),
			Clock:           util.SystemClock{},
			Pacing:          cfg.DispatchPacing,
			TrackingBaseURL: cfg.TrackingBaseURL,
			Owner:           util.InstanceID(),
			RunLease:        cfg.RunLease,
		}, cfg.DispatchWorkers, cfg.DispatchQueue)

		// starts that find the pool full are deferred to the next tick
		sched = scheduler.New(st, pool, util.SystemClock{}, cfg.SchedulerInterval)
		launcher = sched
		if _, err := sched.RecoverRunning(ctx); err != nil {
			slog.Error("api recover running campaigns failed", "err", err)
		}
		_ = sched.Start(ctx)
		slog.Info("api dispatch mode", "mode", "standalone", "workers", cfg.DispatchWorkers)
	}

	svc := &service.CampaignService{
		Store:       st,
		Launcher:    launcher,
		Validator:   validate.Default(),
		Clock:       util.SystemClock{},
		CountryCode: cfg.DefaultCountryCode,
	}

	s := httpserver.New()
	api := &httpserver.API{Svc: svc, ExposeDetails: cfg.Development()}
	api.Register(s.Mux)
	httpserver.RegisterHealth(s.Mux, 2*time.Second, checks...)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if sched != nil {
		_ = sched.Stop()
	}
	if pool != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer drainCancel()
		if err := pool.Close(drainCtx); err != nil {
			slog.Warn("api dispatch drain incomplete", "err", err)
		}
	}
	cancel()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
