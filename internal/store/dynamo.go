package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SummaryTTL is how long DynamoDB keeps a summary before its TTL expires it.
const SummaryTTL = 7 * 24 * time.Hour

const (
	pkPrefix  = "JOB#"
	skSummary = "SUMMARY"
)

// DynamoAPI is the subset of *dynamodb.Client the store calls.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore indexes summaries in a single DynamoDB table keyed by
// PK=JOB#<id>, SK=SUMMARY. The per-frame list stays out of the item to fit
// the item size limit; label counts carry the aggregate instead.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ SummaryStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, now: time.Now}
}

func jobPK(jobID string) string {
	return pkPrefix + jobID
}

func (s *DynamoStore) PutSummary(ctx context.Context, sum *Summary) error {
	item, err := attributevalue.MarshalMap(sum)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	pk := jobPK(sum.JobID)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: skSummary}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(SummaryTTL).Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, skSummary, err)
	}
	return nil
}

func (s *DynamoStore) GetSummary(ctx context.Context, jobID string) (*Summary, error) {
	pk := jobPK(jobID)
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skSummary},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, skSummary, err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var sum Summary
	if err := attributevalue.UnmarshalMap(result.Item, &sum); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, skSummary, err)
	}
	return &sum, nil
}
