package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBUpdateItemAPI is the subset of the DynamoDB client used by the ledger.
type DynamoDBUpdateItemAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// serialRecord is the counter item, keyed by CA id.
type serialRecord struct {
	CAID       string `dynamodbav:"ca_id"`
	LastSerial uint64 `dynamodbav:"last_serial"`
}

// DynamoDBSerialLedger is a DynamoDB implementation of SerialLedger. Each CA
// has one item whose last_serial attribute is incremented with an atomic ADD
// update, so any number of server instances can share the counter.
type DynamoDBSerialLedger struct {
	client    DynamoDBUpdateItemAPI
	tableName string
	caID      string
}

// NewDynamoDBSerialLedger creates a new DynamoDB serial ledger
func NewDynamoDBSerialLedger(client DynamoDBUpdateItemAPI, tableName, caID string) (*DynamoDBSerialLedger, error) {
	if tableName == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if caID == "" {
		return nil, fmt.Errorf("CA id is required")
	}

	return &DynamoDBSerialLedger{
		client:    client,
		tableName: tableName,
		caID:      caID,
	}, nil
}

// Next increments the counter item and returns the new value
func (l *DynamoDBSerialLedger) Next(ctx context.Context) (*big.Int, error) {
	update := expression.Add(expression.Name("last_serial"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"ca_id": &types.AttributeValueMemberS{Value: l.caID},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to increment serial")
	}

	var record serialRecord
	if err := attributevalue.UnmarshalMap(result.Attributes, &record); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal serial: %v", ErrLedgerCorrupt, err)
	}

	serial := new(big.Int).SetUint64(record.LastSerial)
	if err := CheckSerial(serial); err != nil {
		return nil, err
	}

	return serial, nil
}

// wrapAWSError wraps AWS SDK errors, identifying throttling errors
// Returns ErrThrottled for throttling errors, otherwise wraps the original error
func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	// AWS SDK v2 doesn't always use typed errors for all services
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") ||
		strings.Contains(errMsg, "TooManyRequestsException") {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
