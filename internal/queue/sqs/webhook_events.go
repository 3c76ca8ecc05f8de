package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"campaigner/internal/domain"
)

// WebhookEvent is the queued form of a provider status callback.
// Keep it small; SQS has a 256KB message size limit.
type WebhookEvent struct {
	Provider     string    `json:"provider"`
	MessageSid   string    `json:"messageSid"`
	Status       string    `json:"status"`
	To           string    `json:"to,omitempty"`
	From         string    `json:"from,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

func NewWebhookEvent(provider string, cb domain.DeliveryCallback, receivedAt time.Time) WebhookEvent {
	return WebhookEvent{
		Provider:     provider,
		MessageSid:   cb.MessageSid,
		Status:       cb.MessageStatus,
		To:           cb.To,
		From:         cb.From,
		ErrorCode:    cb.ErrorCode,
		ErrorMessage: cb.ErrorMessage,
		ReceivedAt:   receivedAt,
	}
}

func (ev WebhookEvent) Callback() domain.DeliveryCallback {
	return domain.DeliveryCallback{
		MessageSid:    ev.MessageSid,
		MessageStatus: ev.Status,
		To:            ev.To,
		From:          ev.From,
		ErrorCode:     ev.ErrorCode,
		ErrorMessage:  ev.ErrorMessage,
	}
}

type WebhookProducer struct {
	SQS      API
	QueueURL string
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) && ev.MessageSid != "" {
		// status callbacks for one message stay in order
		in.MessageGroupId = str(ev.MessageSid)
		in.MessageDeduplicationId = str(ev.MessageSid + ":" + ev.Status)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

type WebhookHandler func(ctx context.Context, ev WebhookEvent) error

type WebhookConsumer struct {
	Receiver
}

func (c *WebhookConsumer) PollConcurrent(ctx context.Context, workers int, handler WebhookHandler) error {
	return pollConcurrent[WebhookEvent](ctx, c.Receiver, workers, "webhooks", handler)
}
