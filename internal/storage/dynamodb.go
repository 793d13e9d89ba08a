package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candle-sync/internal/frame"
)

// DynamoDB service limits.
const (
	dynamoMaxWriteBatch = 25
	dynamoMaxGetBatch   = 100
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoOptions name the table layout.
type DynamoOptions struct {
	Table              string
	PartitionKey       string
	TimestampAttribute string
	KeyLayout          string
	ConsistentRead     bool
}

// DynamoStore persists items into a DynamoDB table keyed by timestamp string.
type DynamoStore struct {
	api    DynamoAPI
	opts   DynamoOptions
	keys   Keyer
	logger zerolog.Logger
}

// NewDynamoStore wires a DynamoDB client into a store.
func NewDynamoStore(api DynamoAPI, opts DynamoOptions, logger zerolog.Logger) *DynamoStore {
	if opts.TimestampAttribute == "" {
		opts.TimestampAttribute = TimestampAttribute
	}
	return &DynamoStore{
		api:    api,
		opts:   opts,
		keys:   NewKeyer(opts.KeyLayout),
		logger: logger.With().Str("component", "dynamodb_store").Str("table", opts.Table).Logger(),
	}
}

// WriteBatch issues one BatchWriteItem of put requests.
func (d *DynamoStore) WriteBatch(ctx context.Context, items []Item) ([]Item, error) {
	if d == nil || d.api == nil {
		return nil, ErrNotConfigured
	}
	if len(items) == 0 {
		return nil, nil
	}

	requests := make([]types.WriteRequest, 0, len(items))
	byKey := make(map[string]Item, len(items))
	for _, it := range items {
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: d.encode(it)},
		})
		byKey[it.Key] = it
	}

	out, err := d.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{d.opts.Table: requests},
	})
	if err != nil {
		return nil, classifyDynamo("batch write item", err)
	}

	var unprocessed []Item
	for _, req := range out.UnprocessedItems[d.opts.Table] {
		if req.PutRequest == nil {
			continue
		}
		key, ok := stringAttr(req.PutRequest.Item[d.opts.PartitionKey])
		if !ok {
			continue
		}
		if it, found := byKey[key]; found {
			unprocessed = append(unprocessed, it)
		}
	}
	if len(unprocessed) > 0 {
		d.logger.Debug().Int("unprocessed", len(unprocessed)).Msg("batch write left items unprocessed")
	}
	return unprocessed, nil
}

// MaxBatchSize implements Writer.
func (d *DynamoStore) MaxBatchSize() int { return dynamoMaxWriteBatch }

// GetBatch issues one BatchGetItem.
func (d *DynamoStore) GetBatch(ctx context.Context, keys []string) ([]Item, []string, error) {
	if d == nil || d.api == nil {
		return nil, nil, ErrNotConfigured
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}

	requested := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		requested = append(requested, map[string]types.AttributeValue{
			d.opts.PartitionKey: &types.AttributeValueMemberS{Value: k},
		})
	}

	out, err := d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			d.opts.Table: {Keys: requested, ConsistentRead: aws.Bool(d.opts.ConsistentRead)},
		},
	})
	if err != nil {
		return nil, nil, classifyDynamo("batch get item", err)
	}

	found := make([]Item, 0, len(out.Responses[d.opts.Table]))
	for _, raw := range out.Responses[d.opts.Table] {
		it, err := d.decode(raw)
		if err != nil {
			d.logger.Warn().Err(err).Msg("skipping undecodable item")
			continue
		}
		found = append(found, it)
	}

	var unprocessed []string
	if pending, ok := out.UnprocessedKeys[d.opts.Table]; ok {
		for _, k := range pending.Keys {
			if key, ok := stringAttr(k[d.opts.PartitionKey]); ok {
				unprocessed = append(unprocessed, key)
			}
		}
	}
	return found, unprocessed, nil
}

// MaxGetBatchSize implements Reader.
func (d *DynamoStore) MaxGetBatchSize() int { return dynamoMaxGetBatch }

// Ping describes the table to verify credentials and existence.
func (d *DynamoStore) Ping(ctx context.Context) error {
	if d == nil || d.api == nil {
		return ErrNotConfigured
	}
	out, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.opts.Table)})
	if err != nil {
		return classifyDynamo("describe table", err)
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive {
		d.logger.Warn().Str("status", string(out.Table.TableStatus)).Msg("table not active")
	}
	return nil
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (d *DynamoStore) Close() {}

func (d *DynamoStore) encode(it Item) map[string]types.AttributeValue {
	av := make(map[string]types.AttributeValue, len(it.Attributes)+2)
	av[d.opts.TimestampAttribute] = &types.AttributeValueMemberS{Value: it.Key}
	for name, v := range it.Attributes {
		switch v.Kind() {
		case frame.KindNumber:
			num, _ := v.Decimal()
			av[name] = &types.AttributeValueMemberN{Value: num.String()}
		case frame.KindString:
			s, _ := v.Text()
			av[name] = &types.AttributeValueMemberS{Value: s}
		}
	}
	av[d.opts.PartitionKey] = &types.AttributeValueMemberS{Value: it.Key}
	return av
}

func (d *DynamoStore) decode(raw map[string]types.AttributeValue) (Item, error) {
	key, ok := stringAttr(raw[d.opts.PartitionKey])
	if !ok {
		return Item{}, fmt.Errorf("item missing %s", d.opts.PartitionKey)
	}
	ts, err := d.keys.Parse(key)
	if err != nil {
		return Item{}, err
	}

	attrs := make(map[string]frame.Value, len(raw))
	for name, av := range raw {
		if name == d.opts.PartitionKey || name == d.opts.TimestampAttribute {
			continue
		}
		switch x := av.(type) {
		case *types.AttributeValueMemberN:
			num, err := decimal.NewFromString(x.Value)
			if err != nil {
				return Item{}, fmt.Errorf("attribute %s: %w", name, err)
			}
			attrs[name] = frame.Number(num)
		case *types.AttributeValueMemberS:
			attrs[name] = frame.String(x.Value)
		case *types.AttributeValueMemberBOOL:
			attrs[name] = frame.String(strconv.FormatBool(x.Value))
		}
	}
	return Item{Key: key, Timestamp: ts, Attributes: attrs}, nil
}

func stringAttr(av types.AttributeValue) (string, bool) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}

var _ Backend = (*DynamoStore)(nil)

// classifyDynamo separates malformed requests from transport, throttling and permission failures.
func classifyDynamo(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "SerializationException":
			return rejected(op, err)
		}
	}
	return unavailable(op, err)
}
