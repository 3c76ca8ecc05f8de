package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Common is read by every binary.
type Common struct {
	AppEnv      string `envconfig:"APP_ENV" default:"production"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// Development enables provider failure details in API responses.
func (c Common) Development() bool { return c.AppEnv == "development" }

type DB struct {
	DBDSN               string        `envconfig:"DB_DSN" required:"true"`
	DBMaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns          int32         `envconfig:"DB_MIN_CONNS" default:"0"`
	DBMaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime   time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"5m"`
	DBHealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"30s"`
}

type AWS struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

// Twilio settings for binaries that send. Credentials are checked by the
// loaders that need them.
type Twilio struct {
	TwilioAccountSID          string        `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string        `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string        `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioWhatsAppFrom        string        `envconfig:"TWILIO_WHATSAPP_FROM"`
	TwilioBaseURL             string        `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioStatusCallbackURL   string        `envconfig:"TWILIO_STATUS_CALLBACK_URL"`
	TwilioRPSPerPod           float64       `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst               int           `envconfig:"TWILIO_BURST" default:"10"`
	TwilioTimeout             time.Duration `envconfig:"TWILIO_TIMEOUT" default:"8s"`
	TwilioMaxAttempts         int           `envconfig:"TWILIO_MAX_ATTEMPTS" default:"3"`
	BreakerFailures           uint32        `envconfig:"TWILIO_BREAKER_FAILURES" default:"10"`
	BreakerOpenFor            time.Duration `envconfig:"TWILIO_BREAKER_OPEN_FOR" default:"20s"`
}

// Dispatch configures in-process runs and scheduling (worker, or api without a run queue).
type Dispatch struct {
	DispatchPacing  time.Duration `envconfig:"DISPATCH_PACING" default:"1s"`
	DispatchWorkers int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	DispatchQueue   int           `envconfig:"DISPATCH_QUEUE" default:"64"`
	DrainTimeout    time.Duration `envconfig:"DISPATCH_DRAIN_TIMEOUT" default:"20s"`
	RunLease        time.Duration `envconfig:"DISPATCH_RUN_LEASE" default:"2m"`
	TrackingBaseURL string        `envconfig:"TRACKING_BASE_URL"`

	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"60s"`
}

type APIConfig struct {
	Common
	DB
	AWS
	Dispatch
	Twilio

	DefaultCountryCode string `envconfig:"DEFAULT_COUNTRY_CODE" default:"92"`

	// RunQueueURL hands runs to the worker over SQS. Empty runs them in this process.
	RunQueueURL string `envconfig:"RUN_QUEUE_URL"`
}

type WorkerConfig struct {
	Common
	DB
	AWS
	Twilio
	Dispatch

	// RunQueueURL, when set, also accepts runs submitted by the api over SQS.
	RunQueueURL      string `envconfig:"RUN_QUEUE_URL"`
	RunConsumerCount int    `envconfig:"RUN_CONSUMER_CONCURRENCY" default:"4"`
}

type WebhookConfig struct {
	Common
	DB
	AWS

	// Webhook signature verification
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL" required:"true"` // must match EXACT URL configured in Twilio

	// WebhookQueueURL switches to async mode: callbacks are queued for the webhook processor.
	WebhookQueueURL string `envconfig:"WEBHOOK_QUEUE_URL"`

	Redis
}

type WebhookProcessorConfig struct {
	Common
	DB
	AWS
	Redis

	WebhookQueueURL string `envconfig:"WEBHOOK_QUEUE_URL" required:"true"`
	Concurrency     int    `envconfig:"WEBHOOK_CONCURRENCY" default:"10"`

	// Callbacks that match no target are redelivered by SQS for this long,
	// covering a status that arrives before its send is recorded.
	UnmatchedRetryWindow time.Duration `envconfig:"WEBHOOK_UNMATCHED_RETRY_WINDOW" default:"2m"`
}

// Redis is optional; without REDIS_ADDR duplicate callbacks are absorbed by
// the target state machine alone.
type Redis struct {
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	DedupTTL      time.Duration `envconfig:"CALLBACK_DEDUP_TTL" default:"24h"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	load(&cfg)
	if cfg.RunQueueURL == "" {
		cfg.Twilio.mustHaveCredentials()
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	load(&cfg)
	cfg.Twilio.mustHaveCredentials()
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	load(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	load(&cfg)
	return cfg
}

func (t Twilio) mustHaveCredentials() {
	if t.TwilioAccountSID == "" || t.TwilioAuthToken == "" {
		panic("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	if t.TwilioWhatsAppFrom == "" && t.TwilioMessagingServiceSID == "" {
		panic("one of TWILIO_WHATSAPP_FROM or TWILIO_MESSAGING_SERVICE_SID is required")
	}
}

func load(cfg any) {
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
