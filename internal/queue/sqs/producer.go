package sqsqueue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"campaigner/internal/observability"
	"campaigner/internal/util"
)

// RunJob asks a worker to run the dispatch loop for one campaign.
type RunJob struct {
	RunID       string    `json:"runId"`
	CampaignID  string    `json:"campaignId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Producer is the remote dispatch launcher: the API process submits runs and
// a worker process executes them.
type Producer struct {
	SQS      API
	QueueURL string
}

func (p *Producer) Submit(ctx context.Context, campaignID string) error {
	job := RunJob{RunID: util.NewID("run"), CampaignID: campaignID, SubmittedAt: util.NowUTC()}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// one ordered lane per campaign
		in.MessageGroupId = str(campaignID)
		in.MessageDeduplicationId = str(job.RunID)
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		observability.Launches.WithLabelValues("sqs", "error").Inc()
		return err
	}
	observability.Launches.WithLabelValues("sqs", "ok").Inc()
	return nil
}

type RunHandler func(ctx context.Context, job RunJob) error

type Consumer struct {
	Receiver
}

func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler RunHandler) error {
	return pollConcurrent[RunJob](ctx, c.Receiver, workers, "runs", handler)
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
