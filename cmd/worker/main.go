package main

import (
	"context"
	"encoding/json"
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
	"campaigner/internal/store/pg"
	"campaigner/internal/util"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptionsFrom(cfg.DB))
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	observability.Register(prometheus.DefaultRegisterer)

	dispatcher := &dispatch.Dispatcher{
		Store:           st,
		Sender:          twilio.NewSender(cfg.Twilio),
		Clock:           util.SystemClock{},
		Pacing:          cfg.DispatchPacing,
		TrackingBaseURL: cfg.TrackingBaseURL,
		Owner:           util.InstanceID(),
		RunLease:        cfg.RunLease,
	}
	pool := dispatch.NewPool(dispatcher, cfg.DispatchWorkers, cfg.DispatchQueue)
	sched := scheduler.New(st, pool, util.SystemClock{}, cfg.SchedulerInterval)

	checks := []httpserver.ReadyzCheck{st.Ping}

	// optional run queue fed by the api
	pollErrCh := make(chan error, 1)
	if cfg.RunQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWS)
		if err != nil {
			slog.Error("worker sqs client init failed", "err", err)
			os.Exit(1)
		}
		startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
		err = sqsqueue.Ping(startupCtx, sqsClient, cfg.RunQueueURL)
		startupCancel()
		if err != nil {
			slog.Error("sqs not reachable", "err", err)
			os.Exit(1)
		}
		checks = append(checks, func(c context.Context) error {
			return sqsqueue.Ping(c, sqsClient, cfg.RunQueueURL)
		})

		consumer := &sqsqueue.Consumer{Receiver: sqsqueue.Receiver{
			SQS:               sqsClient,
			QueueURL:          cfg.RunQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}}
		go func() {
			slog.Info("worker starting poll", "queue_url", cfg.RunQueueURL)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.RunConsumerCount, func(ctx context.Context, job sqsqueue.RunJob) error {
				slog.Info("worker run received", "run_id", job.RunID, "campaign_id", job.CampaignID)
				// a full pool leaves the message for SQS to redeliver
				return pool.Submit(ctx, job.CampaignID)
			})
		}()
	}

	if _, err := sched.RecoverRunning(ctx); err != nil {
		slog.Error("worker recover running campaigns failed", "err", err)
	}
	_ = sched.Start(ctx)

	// health server (liveness + readiness)
	s := httpserver.New()
	httpserver.RegisterHealth(s.Mux, 2*time.Second, checks...)
	s.Mux.HandleFunc("/scheduler", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, sched.Status())
	}).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 2)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		srvErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		srvErrCh <- metricsSrv.ListenAndServe()
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			exitCode = 1
		}
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	// stop intake first, then drain the runs already executing
	_ = sched.Stop()
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := pool.Close(drainCtx); err != nil {
		slog.Warn("worker dispatch drain incomplete; campaigns stay running for recovery", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func writeStatus(w http.ResponseWriter, st scheduler.Status) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
