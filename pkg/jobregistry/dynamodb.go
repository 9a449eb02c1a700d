package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultAccountIndex is the global secondary index keyed by account_id.
const DefaultAccountIndex = "account_id_index"

// DynamoAPI is the subset of the DynamoDB client used by DynamoRegistry.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoConfig configures a DynamoDB-backed registry.
type DynamoConfig struct {
	// Table is the annotations table name (required). Partition key: job_id.
	Table string

	// AccountIndex is the GSI used by ListByAccount.
	// Empty uses DefaultAccountIndex.
	AccountIndex string
}

// Validate checks that required configuration is present.
func (c *DynamoConfig) Validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return errors.New("dynamodb table name is required")
	}
	return nil
}

// DynamoRegistry implements Registry on a DynamoDB table.
//
// Claims are UpdateItem calls with a ConditionExpression on the claimed
// attribute; a ConditionalCheckFailedException means another worker won.
type DynamoRegistry struct {
	client       DynamoAPI
	table        string
	accountIndex string
}

var _ Registry = (*DynamoRegistry)(nil)

func NewDynamoRegistry(client DynamoAPI, cfg DynamoConfig) (*DynamoRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("dynamodb client is nil")
	}
	index := cfg.AccountIndex
	if index == "" {
		index = DefaultAccountIndex
	}
	return &DynamoRegistry{client: client, table: cfg.Table, accountIndex: index}, nil
}

func (d *DynamoRegistry) key(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"job_id": &types.AttributeValueMemberS{Value: jobID},
	}
}

func (d *DynamoRegistry) Create(ctx context.Context, rec *JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put job %s: %w", rec.JobID, err)
	}
	return nil
}

func (d *DynamoRegistry) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return decodeItem(out.Item)
}

func decodeItem(item map[string]types.AttributeValue) (*JobRecord, error) {
	var rec JobRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	if !rec.AccountClass.Valid() {
		return nil, fmt.Errorf("job %s: invalid account_class %q", rec.JobID, string(rec.AccountClass))
	}
	return &rec, nil
}

func (d *DynamoRegistry) ListByAccount(ctx context.Context, accountID string) ([]JobRecord, error) {
	p := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(d.accountIndex),
		KeyConditionExpression: aws.String("account_id = :account_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":account_id": &types.AttributeValueMemberS{Value: accountID},
		},
	})
	var out []JobRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query jobs for account %s: %w", accountID, err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, *rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (d *DynamoRegistry) List(ctx context.Context) ([]JobRecord, error) {
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
	})
	var out []JobRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, *rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// buildClaimUpdate renders the UpdateItem expression for c.
func buildClaimUpdate(c Claim) (update, condition string, names map[string]string, values map[string]types.AttributeValue) {
	names = map[string]string{"#f": string(c.Field)}
	values = map[string]types.AttributeValue{
		":next": &types.AttributeValueMemberS{Value: c.Next},
	}
	sets := []string{"#f = :next"}

	if c.Also.CompleteTime != nil {
		sets = append(sets, "complete_time = :complete_time")
		values[":complete_time"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.Also.CompleteTime.UTC().Unix(), 10)}
	}
	if c.Also.ResultLocation != nil {
		sets = append(sets, "result_location = :result_location")
		values[":result_location"] = &types.AttributeValueMemberS{Value: *c.Also.ResultLocation}
	}
	if c.Also.LogLocation != nil {
		sets = append(sets, "log_location = :log_location")
		values[":log_location"] = &types.AttributeValueMemberS{Value: *c.Also.LogLocation}
	}
	if c.Also.ArchiveRef != nil {
		sets = append(sets, "archive_ref = :archive_ref")
		values[":archive_ref"] = &types.AttributeValueMemberS{Value: *c.Also.ArchiveRef}
	}
	if c.Also.StorageState != nil {
		sets = append(sets, "storage_state = :storage_state")
		values[":storage_state"] = &types.AttributeValueMemberS{Value: string(*c.Also.StorageState)}
	}

	// An absent storage_state is stored as a missing attribute.
	if c.Expected == "" {
		condition = "attribute_exists(job_id) AND (attribute_not_exists(#f) OR #f = :expected)"
	} else {
		condition = "attribute_exists(job_id) AND #f = :expected"
	}
	values[":expected"] = &types.AttributeValueMemberS{Value: c.Expected}

	return "SET " + strings.Join(sets, ", "), condition, names, values
}

func (d *DynamoRegistry) Claim(ctx context.Context, c Claim) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	update, condition, names, values := buildClaimUpdate(c)
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(d.table),
		Key:                                 d.key(c.JobID),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String(condition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return true, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}
	return false, fmt.Errorf("claim %s on job %s: %w", c.Field, c.JobID, err)
}

func (d *DynamoRegistry) SetAccountClass(ctx context.Context, jobID string, class AccountClass) error {
	if err := checkClass(class); err != nil {
		return err
	}
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(jobID),
		UpdateExpression:    aws.String("SET account_class = :class"),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":class": &types.AttributeValueMemberS{Value: string(class)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set account class on job %s: %w", jobID, err)
	}
	return nil
}

func (d *DynamoRegistry) Close() error { return nil }

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
