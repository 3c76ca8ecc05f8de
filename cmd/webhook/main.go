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

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptionsFrom(cfg.DB))
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	observability.Register(prometheus.DefaultRegisterer)

	checks := []httpserver.ReadyzCheck{st.Ping}

	ingest := &service.DeliveryIngest{Store: st, Clock: util.SystemClock{}}
	if cfg.RedisAddr != "" {
		rdb, err := dedup.NewClient(dedup.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			slog.Error("webhook redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		d := dedup.NewRedis(rdb, cfg.DedupTTL)
		ingest.Dedup = d
		checks = append(checks, d.Ping)
	}

	wh := &httpserver.Webhook{
		Ingest:    ingest,
		AuthToken: cfg.TwilioAuthToken,
		PublicURL: cfg.PublicWebhookURL,
	}
	if cfg.WebhookQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWS)
		if err != nil {
			slog.Error("webhook sqs client init failed", "err", err)
			os.Exit(1)
		}
		wh.Queue = &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.WebhookQueueURL}
		checks = append(checks, func(c context.Context) error {
			return sqsqueue.Ping(c, sqsClient, cfg.WebhookQueueURL)
		})
		slog.Info("webhook async mode", "queue_url", cfg.WebhookQueueURL)
	}

	s := httpserver.New()
	wh.Register(s.Mux)
	httpserver.RegisterHealth(s.Mux, 2*time.Second, checks...)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("webhook listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("webhook shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
