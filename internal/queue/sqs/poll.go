package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Receiver struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// pollConcurrent feeds received messages to a worker pool. A message is
// deleted only after its handler succeeds; undecodable messages are deleted
// straight away so they do not redrive forever.
func pollConcurrent[T any](ctx context.Context, r Receiver, workers int, kind string, handler func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				var job T
				if m.Body == nil || json.Unmarshal([]byte(*m.Body), &job) != nil {
					slog.Warn("sqs dropping undecodable message", "queue", kind, "message_id", deref(m.MessageId))
					r.delete(ctx, m)
					continue
				}
				if err := handler(ctx, job); err != nil {
					// left on the queue: SQS redrive/DLQ handles it
					slog.Error("sqs handler error", "queue", kind, "err", err, "message_id", deref(m.MessageId))
					continue
				}
				r.delete(ctx, m)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := r.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &r.QueueURL,
				MaxNumberOfMessages: r.MaxMessages,
				WaitTimeSeconds:     r.WaitTimeSeconds,
				VisibilityTimeout:   r.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					sendErr(ctx.Err())
					return
				}
				slog.Error("sqs receive message failed", "queue", kind, "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	// Wait for shutdown, then let workers finish what is already buffered.
	err := <-errCh
	wg.Wait()
	return err
}

func (r Receiver) delete(ctx context.Context, m types.Message) {
	_, err := r.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &r.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("sqs delete message failed", "err", err, "message_id", deref(m.MessageId))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
