package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrediction = "PREDICTION#"
	pkChat       = "CHAT#"
	skResult     = "RESULT"
	skSession    = "SESSION"
)

// DynamoAPI is the subset of *dynamodb.Client used here.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore implements ResultStore and SessionStore on one DynamoDB table.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

var (
	_ ResultStore  = (*DynamoStore)(nil)
	_ SessionStore = (*DynamoStore)(nil)
)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// keyOf builds the primary key attributes of a single-table item.
func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// putItem marshals data and writes it under PK/SK. condition and values are
// optional and passed through as a condition expression.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}, condition string, values map[string]types.AttributeValue) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	for k, v := range keyOf(pk, sk) {
		item[k] = v
	}

	in := &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}
	if condition != "" {
		in.ConditionExpression = aws.String(condition)
		in.ExpressionAttributeValues = values
	}
	if _, err := s.client.PutItem(ctx, in); err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item and unmarshals it into out. Reads are strongly
// consistent so a worker's idempotency check sees its own earlier writes.
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// --- Prediction results ---

func (s *DynamoStore) PutResult(ctx context.Context, r *jobs.PredictionResult) error {
	err := s.putItem(ctx, pkPrediction+r.JobID, skResult, r, "attribute_not_exists(PK)", nil)
	if isConditionFailed(err) {
		log.Debug().Str("jobId", r.JobID).Msg("Prediction result already stored, keeping first write")
		return nil
	}
	if err != nil {
		return fmt.Errorf("put result %s: %w", r.JobID, err)
	}

	log.Debug().
		Str("jobId", r.JobID).
		Str("chatId", r.ChatID).
		Int("labels", len(r.Labels)).
		Msg("Prediction result persisted")
	return nil
}

func (s *DynamoStore) GetResult(ctx context.Context, jobID string) (*jobs.PredictionResult, error) {
	var r jobs.PredictionResult
	found, err := s.getItem(ctx, pkPrediction+jobID, skResult, &r)
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", jobID, err)
	}
	if !found {
		log.Debug().Str("jobId", jobID).Bool("found", false).Msg("GetResult: result not found")
		return nil, nil
	}
	return &r, nil
}

// --- Chat sessions ---

func (s *DynamoStore) GetChatSession(ctx context.Context, chatID string) (*ChatSession, error) {
	var sess ChatSession
	found, err := s.getItem(ctx, pkChat+chatID, skSession, &sess)
	if err != nil {
		return nil, fmt.Errorf("get chat session %s: %w", chatID, err)
	}
	if !found {
		return NewChatSession(chatID), nil
	}
	sess.ChatID = chatID
	if sess.State == "" {
		sess.State = StateIdle
	}
	return &sess, nil
}

func (s *DynamoStore) PutChatSession(ctx context.Context, sess *ChatSession) error {
	expected := sess.Version
	next := *sess
	next.Version = expected + 1
	next.UpdatedAt = time.Now().Unix()

	condition := "attribute_not_exists(PK) OR version = :v"
	values := map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
	}
	err := s.putItem(ctx, pkChat+sess.ChatID, skSession, &next, condition, values)
	if isConditionFailed(err) {
		return fmt.Errorf("put chat session %s (version %d): %w", sess.ChatID, expected, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("put chat session %s: %w", sess.ChatID, err)
	}

	sess.Version = next.Version
	sess.UpdatedAt = next.UpdatedAt
	log.Debug().
		Str("chatId", sess.ChatID).
		Str("state", string(sess.State)).
		Int("pending", len(sess.PendingImages)).
		Int64("version", sess.Version).
		Msg("Chat session persisted")
	return nil
}
