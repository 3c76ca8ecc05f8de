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
	"campaigner/internal/dedup"
	"campaigner/internal/httpserver"
	"campaigner/internal/logging"
	"campaigner/internal/observability"
	sqsqueue "campaigner/internal/queue/sqs"
	"campaigner/internal/service"
	"campaigner/internal/store/pg"
	"campaigner/internal/util"
)

var errUnmatched = errors.New("callback matched no target yet")

func main() {
	cfg := config.LoadWebhookProcessor()
	logging.Init("webhook-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptionsFrom(cfg.DB))
	if err != nil {
		slog.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	checks := []httpserver.ReadyzCheck{
		st.Ping,
		func(c context.Context) error { return sqsqueue.Ping(c, sqsClient, cfg.WebhookQueueURL) },
	}

	ingest := &service.DeliveryIngest{Store: st, Clock: util.SystemClock{}}
	if cfg.RedisAddr != "" {
		rdb, err := dedup.NewClient(dedup.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			slog.Error("webhook-processor redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		d := dedup.NewRedis(rdb, cfg.DedupTTL)
		ingest.Dedup = d
		checks = append(checks, d.Ping)
	}

	consumer := &sqsqueue.WebhookConsumer{Receiver: sqsqueue.Receiver{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}}

	// health + metrics servers
	s := httpserver.New()
	httpserver.RegisterHealth(s.Mux, 2*time.Second, checks...)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.WebhookQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.Concurrency, func(ctx context.Context, ev sqsqueue.WebhookEvent) error {
			// Bounded DB work; an error leaves the message for SQS redrive.
			applyCtx, applyCancel := context.WithTimeout(ctx, 5*time.Second)
			defer applyCancel()
			res, err := ingest.Apply(applyCtx, ev.Callback())
			if err != nil {
				return err
			}
			if res == service.IngestUnmatched && time.Since(ev.ReceivedAt) < cfg.UnmatchedRetryWindow {
				return errUnmatched
			}
			return nil
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("webhook-processor poll failed", "err", err)
			exitCode = 1
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook-processor health server failed", "err", err)
			exitCode = 1
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook-processor metrics server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
