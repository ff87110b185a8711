package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

// maxWaitSeconds is the SQS long-poll ceiling.
const maxWaitSeconds = 20

// SQSAPI is the subset of *sqs.Client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQS is a Queue backed by an SQS queue, with an optional dead-letter queue.
type SQS struct {
	client SQSAPI
	url    string
	dlqURL string
}

var _ Queue = (*SQS)(nil)

// NewSQS binds client to queueURL. dlqURL may be empty.
func NewSQS(client SQSAPI, queueURL, dlqURL string) *SQS {
	return &SQS{client: client, url: queueURL, dlqURL: dlqURL}
}

func (q *SQS) Send(ctx context.Context, body string) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.url,
		MessageBody: &body,
	})
	if err != nil {
		return "", fmt.Errorf("SQS SendMessage: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQS) Receive(ctx context.Context, maxWait time.Duration) ([]Message, error) {
	wait := int32(maxWait / time.Second)
	if wait > maxWaitSeconds {
		wait = maxWaitSeconds
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.url,
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     wait,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("SQS ReceiveMessage: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  ReceiveCount(m.Attributes),
		})
	}
	return msgs, nil
}

func (q *SQS) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.url,
		ReceiptHandle: &receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("SQS DeleteMessage: %w", err)
	}
	return nil
}

// DeadLetter copies body to the dead-letter queue. Without one configured
// the body is only logged; the caller still deletes the original.
func (q *SQS) DeadLetter(ctx context.Context, body string) error {
	if q.dlqURL == "" {
		log.Warn().Str("body", body).Msg("No dead-letter queue configured, dropping message")
		return nil
	}
	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.dlqURL,
		MessageBody: &body,
	}); err != nil {
		return fmt.Errorf("SQS SendMessage to dead-letter queue: %w", err)
	}
	return nil
}

// ReceiveCount reads ApproximateReceiveCount from SQS message attributes.
// Missing or malformed values count as a first delivery.
func ReceiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
