// Package awsutil builds AWS clients from the shared AWS config block.
package awsutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"campaigner/internal/config"
)

// LocalStack accepts any static key pair.
const localKey = "test"

// NewSQSClient returns an SQS client for c.AWSRegion. When LOCALSTACK_ENDPOINT
// is set every call goes there with static credentials.
func NewSQSClient(ctx context.Context, c config.AWS) (*sqs.Client, error) {
	cfg, err := loadConfig(ctx, c)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if c.LocalstackEndpoint != "" {
			o.BaseEndpoint = aws.String(c.LocalstackEndpoint)
		}
	}), nil
}

func loadConfig(ctx context.Context, c config.AWS) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.AWSRegion)}
	if c.LocalstackEndpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(localKey, localKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
