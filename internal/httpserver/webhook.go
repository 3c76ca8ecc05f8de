package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"campaigner/internal/domain"
	"campaigner/internal/providers/twilio"
	sqsqueue "campaigner/internal/queue/sqs"
	"campaigner/internal/service"
	"campaigner/internal/util"
)

const WebhookPath = "/v1/webhooks/twilio/status"

type Ingester interface {
	Apply(ctx context.Context, cb domain.DeliveryCallback) (service.IngestResult, error)
}

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook receives Twilio status callbacks. With Queue set the verified
// callback is handed to SQS and applied by the webhook processor; otherwise
// it is applied inline.
type Webhook struct {
	Ingest          Ingester
	Queue           EventQueue
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	PublicURL       string // must match the exact URL configured in Twilio
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc(WebhookPath, w.handleTwilioStatus).Methods(http.MethodPost)
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	if !w.verify()(w.AuthToken, w.PublicURL, r.Header.Get(twilio.SignatureHeader), r.PostForm) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	cb := domain.DeliveryCallback{
		MessageSid:    r.PostForm.Get("MessageSid"),
		MessageStatus: r.PostForm.Get("MessageStatus"),
		To:            r.PostForm.Get("To"),
		From:          r.PostForm.Get("From"),
		ErrorCode:     r.PostForm.Get("ErrorCode"),
		ErrorMessage:  r.PostForm.Get("ErrorMessage"),
	}

	if w.Queue != nil {
		if err := w.Queue.Enqueue(r.Context(), sqsqueue.NewWebhookEvent("twilio", cb, util.NowUTC())); err != nil {
			slog.Error("webhook enqueue failed", "err", err, "message_sid", cb.MessageSid, "status", cb.MessageStatus)
			http.Error(rw, ErrDependency, http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		return
	}

	if _, err := w.Ingest.Apply(r.Context(), cb); err != nil {
		slog.Error("webhook apply failed", "err", err, "message_sid", cb.MessageSid, "status", cb.MessageStatus)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) verify() func(authToken, fullURL, provided string, form url.Values) bool {
	if w.VerifySignature == nil {
		return twilio.VerifySignature
	}
	return w.VerifySignature
}
