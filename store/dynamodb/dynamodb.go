// Package dynamodb provides a DynamoDB-backed AccountStore.
//
// Items are keyed by userId. Usage increments use an UpdateItem ADD action
// with an attribute_exists(userId) condition, so the delta is applied by
// DynamoDB itself and a deleted account is never recreated. The same
// condition refuses deltas that would overflow tokenUsage.
package dynamodb

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

	"github.com/ineyio/tokenquota"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Store is a DynamoDB-backed AccountStore.
type Store struct {
	client API
	table  string
	now    func() time.Time
}

var _ tokenquota.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source used for lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on table.
func New(client API, table string, opts ...Option) *Store {
	s := &Store{
		client: client,
		table:  table,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// item is the stored shape. Attribute names match the table layout used by
// existing deployments.
type item struct {
	UserID      string  `dynamodbav:"userId"`
	TokenLimit  int64   `dynamodbav:"tokenLimit"`
	TokenUsage  int64   `dynamodbav:"tokenUsage"`
	TotalCost   float64 `dynamodbav:"totalCost"`
	LastUpdated string  `dynamodbav:"lastUpdated"`
}

func (it item) account() (tokenquota.Account, error) {
	t, err := time.Parse(time.RFC3339Nano, it.LastUpdated)
	if err != nil {
		return tokenquota.Account{}, fmt.Errorf("parse lastUpdated %q: %w", it.LastUpdated, err)
	}
	return tokenquota.Account{
		UserID:      it.UserID,
		TokenLimit:  it.TokenLimit,
		TokenUsage:  it.TokenUsage,
		TotalCost:   it.TotalCost,
		LastUpdated: t,
	}, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
	}
}

// EnsureTable creates the table with on-demand billing if it does not exist
// and waits until it is active.
func (s *Store) EnsureTable(ctx context.Context, maxWait time.Duration) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("userId"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("userId"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("tokenquota/dynamodb: create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, maxWait); err != nil {
		return fmt.Errorf("tokenquota/dynamodb: wait for table: %w", err)
	}
	return nil
}

// Create puts a new item guarded by attribute_not_exists(userId).
func (s *Store) Create(ctx context.Context, userID string, tokenLimit int64) (tokenquota.Account, error) {
	it := item{
		UserID:      userID,
		TokenLimit:  tokenLimit,
		LastUpdated: s.timestamp(),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("create", userID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(userId)"),
	})
	if isConditionFailed(err) {
		return tokenquota.Account{}, tokenquota.AlreadyExistsError("create", userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("create", userID, err)
	}
	return s.decode("create", userID, av)
}

// Get reads the item with a strongly consistent read.
func (s *Store) Get(ctx context.Context, userID string) (tokenquota.Account, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("get", userID, err)
	}
	if len(out.Item) == 0 {
		return tokenquota.Account{}, tokenquota.NotFoundError("get", userID)
	}
	return s.decode("get", userID, out.Item)
}

// UpdateLimit sets tokenLimit on an existing item.
func (s *Store) UpdateLimit(ctx context.Context, userID string, newLimit int64) (tokenquota.Account, error) {
	return s.update(ctx, "update_limit", userID, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET tokenLimit = :limit, lastUpdated = :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":limit": &types.AttributeValueMemberN{Value: strconv.FormatInt(newLimit, 10)},
			":ts":    &types.AttributeValueMemberS{Value: s.timestamp()},
		},
	})
}

// IncrementUsage adds the delta with an ADD action. The condition also
// bounds tokenUsage so the stored counter stays within int64.
func (s *Store) IncrementUsage(ctx context.Context, userID string, tokens int64, cost float64) (tokenquota.Account, error) {
	if err := tokenquota.ValidateDelta(tokens, cost); err != nil {
		return tokenquota.Account{}, &tokenquota.AccountError{Op: "increment_usage", UserID: userID, Err: err}
	}
	return s.update(ctx, "increment_usage", userID, &dynamodb.UpdateItemInput{
		UpdateExpression:    aws.String("ADD tokenUsage :tokens, totalCost :cost SET lastUpdated = :ts"),
		ConditionExpression: aws.String("attribute_exists(userId) AND tokenUsage <= :ceiling"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tokens":  &types.AttributeValueMemberN{Value: strconv.FormatInt(tokens, 10)},
			":cost":    &types.AttributeValueMemberN{Value: strconv.FormatFloat(cost, 'f', -1, 64)},
			":ts":      &types.AttributeValueMemberS{Value: s.timestamp()},
			":ceiling": &types.AttributeValueMemberN{Value: strconv.FormatInt(tokenquota.UsageCeiling(tokens), 10)},
		},
	})
}

func (s *Store) update(ctx context.Context, op, userID string, in *dynamodb.UpdateItemInput) (tokenquota.Account, error) {
	in.TableName = aws.String(s.table)
	in.Key = key(userID)
	if in.ConditionExpression == nil {
		in.ConditionExpression = aws.String("attribute_exists(userId)")
	}
	in.ReturnValues = types.ReturnValueAllNew
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	out, err := s.client.UpdateItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		// An existing item means a condition other than existence failed.
		if len(ccf.Item) > 0 {
			return tokenquota.Account{}, tokenquota.UsageOverflowError(op, userID)
		}
		return tokenquota.Account{}, tokenquota.NotFoundError(op, userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, err)
	}
	return s.decode(op, userID, out.Attributes)
}

// Delete removes the item. Missing items are not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(userID),
	})
	if err != nil {
		return tokenquota.StorageError("delete", userID, err)
	}
	return nil
}

// List scans the whole table page by page.
func (s *Store) List(ctx context.Context) ([]tokenquota.Account, error) {
	var accounts []tokenquota.Account
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, tokenquota.StorageError("list", "", err)
		}
		for _, av := range page.Items {
			acc, err := s.decode("list", "", av)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, acc)
		}
	}
	return accounts, nil
}

func (s *Store) decode(op, userID string, av map[string]types.AttributeValue) (tokenquota.Account, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, err)
	}
	acc, err := it.account()
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, err)
	}
	return acc, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
