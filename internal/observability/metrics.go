package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_run_launch_total", Help: "Dispatch run submissions"},
		[]string{"launcher", "result"},
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_runs_total", Help: "Dispatch run outcomes"},
		[]string{"result"},
	)
	TargetOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_target_outcomes_total", Help: "Per-target dispatch outcomes"},
		[]string{"outcome"},
	)
	InFlightRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaigner_runs_in_flight", Help: "Dispatch runs currently executing"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_campaign_transitions_total", Help: "Campaign status transitions"},
		[]string{"to"},
	)
	SchedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaigner_scheduler_ticks_total", Help: "Scheduler ticks"},
	)
	Promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_scheduler_promotions_total", Help: "Scheduled campaign promotions"},
		[]string{"result"},
	)
	TwilioSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_send_total", Help: "Twilio send outcomes"},
		[]string{"result", "http_status"},
	)
	TwilioLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "twilio_send_latency_seconds", Help: "Twilio send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_webhook_events_total", Help: "Webhook events"},
		[]string{"status"},
	)
	WebhookApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_webhook_applied_total", Help: "Delivery callback outcomes"},
		[]string{"result"},
	)
	Suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_suppressed_total", Help: "Suppressed duplicate or unmatched work"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Launches, Runs, InFlightRuns, TargetOutcomes, Transitions,
		SchedulerTicks, Promotions, TwilioSend, TwilioLatency, WebhookEvents, WebhookApplied, Suppressed,
	)
}
