// Package dynamo stores rows in DynamoDB, one table per entity type. Column
// qualifiers become item attributes named "<family>:<column>".
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
)

// KeyAttribute is the hash key of every table.
const KeyAttribute = "row_key"

// Client is the subset of *dynamodb.Client the store uses.
type Client interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Options configures the connection.
type Options struct {
	Region string
	// Endpoint overrides the service URL, e.g. DynamoDB Local.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// TableWait bounds how long to wait for a new table to become active.
	TableWait time.Duration
}

// Store is a storage.Backend on DynamoDB.
type Store struct {
	client    Client
	tableWait time.Duration
}

// Open builds a DynamoDB client from the default AWS config chain.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return New(client, opts.TableWait), nil
}

// New wraps an existing client.
func New(client Client, tableWait time.Duration) *Store {
	if tableWait <= 0 {
		tableWait = 2 * time.Minute
	}
	return &Store{client: client, tableWait: tableWait}
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("describe table %s: %w", table, err)
	}
	if out.Table != nil && out.Table.TableStatus == types.TableStatusCreating {
		if err := s.waitActive(ctx, table); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Store) CreateTable(ctx context.Context, table, family string) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(KeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(KeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
		Tags: []types.Tag{
			{Key: aws.String("column_family"), Value: aws.String(family)},
		},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		if werr := s.waitActive(ctx, table); werr != nil {
			return werr
		}
		return fmt.Errorf("create table %s: %w", table, storage.ErrTableExists)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return s.waitActive(ctx, table)
}

func (s *Store) waitActive(ctx context.Context, table string) error {
	waiter := dynamodb.NewTableExistsWaiter(s.client, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = 500 * time.Millisecond
		o.MaxDelay = 5 * time.Second
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, s.tableWait); err != nil {
		return fmt.Errorf("wait for table %s: %w", table, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, table string, row storage.Row) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      Item(row),
	})
	if err != nil {
		return fmt.Errorf("failed to store row %s in %s: %w", row.Key, table, err)
	}
	return nil
}

// Item converts a row to a DynamoDB item. The timestamp column is a string,
// measurement columns are numbers.
func Item(row storage.Row) map[string]types.AttributeValue {
	item := make(map[string]types.AttributeValue, len(row.Columns)+1)
	item[KeyAttribute] = &types.AttributeValueMemberS{Value: row.Key}
	for col, val := range row.Columns {
		name := row.Family + ":" + col
		if col == storage.TimestampColumn {
			item[name] = &types.AttributeValueMemberS{Value: string(val)}
			continue
		}
		item[name] = &types.AttributeValueMemberN{Value: string(val)}
	}
	return item
}

func (s *Store) Close() error { return nil }
