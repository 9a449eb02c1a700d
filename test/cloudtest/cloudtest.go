// Package cloudtest provides helpers for cloud integration tests against moto.
//
// Every AWS-backed component of annopipe (S3 hot storage, the DynamoDB
// registry, SNS/SQS queues, the Glacier vault) can be exercised without
// real credentials. Tests using this package should be tagged with
// //go:build cloudintegration.
//
// Usage:
//
//	func TestRegistry(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    table := cloudtest.CreateRegistryTable(t, ctx)
//	    reg, _ := jobregistry.NewDynamoRegistry(cloudtest.DynamoClientT(t), jobregistry.DynamoConfig{Table: table})
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the default AWS region for tests.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is the access key used for moto (accepts any).
	TestAccessKeyID = "testing"

	// TestSecretAccessKey is the secret key used for moto (accepts any).
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT env var.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION env var.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	awsCfg     aws.Config
	awsCfgOnce sync.Once
	awsCfgErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: moto_server -p 5555)", Endpoint)
	}
}

// Reset clears all moto state.
func Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint+"/moto-api/reset", nil)
	if err != nil {
		return fmt.Errorf("create reset request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset returned status %d", resp.StatusCode)
	}
	return nil
}

// AWSConfig returns the shared AWS configuration pointed at moto.
func AWSConfig() (aws.Config, error) {
	awsCfgOnce.Do(func() {
		awsCfg, awsCfgErr = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID,
				TestSecretAccessKey,
				"",
			)),
		)
		if awsCfgErr != nil {
			awsCfgErr = fmt.Errorf("load config: %w", awsCfgErr)
			return
		}
		awsCfg.BaseEndpoint = aws.String(Endpoint)
	})
	return awsCfg, awsCfgErr
}

func awsConfigT(t *testing.T) aws.Config {
	t.Helper()
	cfg, err := AWSConfig()
	if err != nil {
		t.Fatalf("failed to load AWS config: %v", err)
	}
	return cfg
}

// uniqueName derives a resource name from the test name.
func uniqueName(t *testing.T, max int) string {
	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	if len(name) > max {
		name = name[:max]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// S3ClientT returns an S3 client for moto using path-style addressing.
func S3ClientT(t *testing.T) *s3.Client {
	t.Helper()
	return s3.NewFromConfig(awsConfigT(t), func(o *s3.Options) {
		o.UsePathStyle = true
	})
}

// CreateBucket creates a test bucket with a unique name and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := S3ClientT(t)
	name := uniqueName(t, 50)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, c, name) })
	return name
}

func deleteBucket(t *testing.T, c *s3.Client, bucket string) {
	ctx := context.Background()
	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// DynamoClientT returns a DynamoDB client for moto.
func DynamoClientT(t *testing.T) *dynamodb.Client {
	t.Helper()
	return dynamodb.NewFromConfig(awsConfigT(t))
}

// CreateRegistryTable creates an annotations table keyed by job_id with an
// account_id_index GSI, and registers cleanup.
func CreateRegistryTable(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := DynamoClientT(t)
	name := uniqueName(t, 200)

	_, err := c.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: ddbtypes.BillingModePayPerRequest,
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("job_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("account_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("job_id"), KeyType: ddbtypes.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []ddbtypes.GlobalSecondaryIndex{{
			IndexName: aws.String("account_id_index"),
			KeySchema: []ddbtypes.KeySchemaElement{
				{AttributeName: aws.String("account_id"), KeyType: ddbtypes.KeyTypeHash},
			},
			Projection: &ddbtypes.Projection{ProjectionType: ddbtypes.ProjectionTypeAll},
		}},
	})
	if err != nil {
		t.Fatalf("failed to create table %s: %v", name, err)
	}
	t.Cleanup(func() {
		if _, err := c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
			t.Logf("warning: failed to delete table %s: %v", name, err)
		}
	})
	return name
}

// GlacierClientT returns a Glacier client for moto.
func GlacierClientT(t *testing.T) *glacier.Client {
	t.Helper()
	return glacier.NewFromConfig(awsConfigT(t))
}

// CreateVault creates a Glacier vault and registers cleanup.
func CreateVault(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := GlacierClientT(t)
	name := uniqueName(t, 200)

	if _, err := c.CreateVault(ctx, &glacier.CreateVaultInput{AccountId: aws.String("-"), VaultName: aws.String(name)}); err != nil {
		t.Fatalf("failed to create vault %s: %v", name, err)
	}
	t.Cleanup(func() {
		// Vaults holding archives cannot be deleted; moto state is reset between runs.
		_, _ = c.DeleteVault(context.Background(), &glacier.DeleteVaultInput{AccountId: aws.String("-"), VaultName: aws.String(name)})
	})
	return name
}

// SNSClientT returns an SNS client for moto.
func SNSClientT(t *testing.T) *sns.Client {
	t.Helper()
	return sns.NewFromConfig(awsConfigT(t))
}

// SQSClientT returns an SQS client for moto.
func SQSClientT(t *testing.T) *sqs.Client {
	t.Helper()
	return sqs.NewFromConfig(awsConfigT(t))
}

// Topic is an SNS topic fanned out to one SQS queue plus a dead-letter queue.
type Topic struct {
	ARN           string
	QueueURL      string
	DeadLetterURL string
}

// CreateTopicQueue creates an SNS topic subscribed by a fresh SQS queue and
// a second queue to act as its dead-letter queue.
func CreateTopicQueue(t *testing.T, ctx context.Context) Topic {
	t.Helper()
	snsc, sqsc := SNSClientT(t), SQSClientT(t)
	name := uniqueName(t, 60)

	topic, err := snsc.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name)})
	if err != nil {
		t.Fatalf("failed to create topic %s: %v", name, err)
	}
	q, err := sqsc.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		t.Fatalf("failed to create queue %s: %v", name, err)
	}
	dlq, err := sqsc.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name + "-dead")})
	if err != nil {
		t.Fatalf("failed to create queue %s-dead: %v", name, err)
	}
	attrs, err := sqsc.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       q.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		t.Fatalf("failed to read queue attributes: %v", err)
	}
	if _, err := snsc.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: topic.TopicArn,
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]),
	}); err != nil {
		t.Fatalf("failed to subscribe queue to topic: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = sqsc.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: q.QueueUrl})
		_, _ = sqsc.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: dlq.QueueUrl})
		_, _ = snsc.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: topic.TopicArn})
	})
	return Topic{
		ARN:           aws.ToString(topic.TopicArn),
		QueueURL:      aws.ToString(q.QueueUrl),
		DeadLetterURL: aws.ToString(dlq.QueueUrl),
	}
}
