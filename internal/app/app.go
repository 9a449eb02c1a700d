// Package app opens the backends selected by the configuration and hands
// them to the pipeline stages.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsglacier "github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/coldstore/glacier"
	coldmem "github.com/3leaps/annopipe/pkg/coldstore/memory"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/notify"
	"github.com/3leaps/annopipe/pkg/pipeline"
	"github.com/3leaps/annopipe/pkg/provider"
	"github.com/3leaps/annopipe/pkg/provider/file"
	hotmem "github.com/3leaps/annopipe/pkg/provider/memory"
	"github.com/3leaps/annopipe/pkg/provider/s3"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/queue/memq"
	"github.com/3leaps/annopipe/pkg/queue/redisq"
	"github.com/3leaps/annopipe/pkg/queue/sqs"
)

// Backends holds every opened dependency of a worker process.
type Backends struct {
	Registry  jobregistry.Registry
	Hot       provider.ObjectStore
	Cold      coldstore.Vault
	Publisher queue.Publisher

	// Broker is set for the memory queue backend.
	Broker *memq.Broker

	cfg    *config.Config
	logger *zap.Logger

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error

	sqsClient *awssqs.Client
	rdb       *redis.Client

	closers []func() error
}

// Open opens every backend named by cfg. On error, anything already opened
// is closed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Backends, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backends{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if b.Registry, err = b.openRegistry(ctx); err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.Registry.Close)

	if b.Hot, err = b.openHot(ctx); err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.Hot.Close)

	if b.Publisher, err = b.openTransport(ctx); err != nil {
		return nil, err
	}

	if b.Cold, err = b.openCold(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenRegistry opens only the job registry, for read-only tooling.
func OpenRegistry(ctx context.Context, cfg *config.Config) (jobregistry.Registry, error) {
	b := &Backends{cfg: cfg, logger: zap.NewNop()}
	return b.openRegistry(ctx)
}

// aws loads the shared AWS configuration once.
func (b *Backends) aws(ctx context.Context) (aws.Config, error) {
	b.awsOnce.Do(func() {
		a := b.cfg.AWS
		b.awsCfg, b.awsErr = s3.LoadAWSConfig(ctx, s3.Config{
			Region:          a.Region,
			Profile:         a.Profile,
			Endpoint:        a.Endpoint,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
		})
		if b.awsErr != nil {
			b.awsErr = fmt.Errorf("load aws config: %w", b.awsErr)
		}
	})
	return b.awsCfg, b.awsErr
}

func (b *Backends) endpoint() *string {
	if b.cfg.AWS.Endpoint == "" {
		return nil
	}
	return aws.String(b.cfg.AWS.Endpoint)
}

func (b *Backends) openRegistry(ctx context.Context) (jobregistry.Registry, error) {
	rc := b.cfg.Registry
	switch rc.Backend {
	case config.BackendMemory:
		return jobregistry.NewMemoryRegistry(), nil
	case config.BackendFile:
		return jobregistry.NewFileRegistry(rc.Path), nil
	case config.BackendSQLite:
		return jobregistry.OpenSQL(ctx, jobregistry.SQLConfig{Dialect: jobregistry.DialectSQLite, DSN: rc.DSN})
	case config.BackendPostgres:
		return jobregistry.OpenSQL(ctx, jobregistry.SQLConfig{Dialect: jobregistry.DialectPostgres, DSN: rc.DSN})
	case config.BackendDynamoDB:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return jobregistry.NewDynamoRegistry(client, jobregistry.DynamoConfig{Table: rc.Table, AccountIndex: rc.AccountIndex})
	}
	return nil, fmt.Errorf("unsupported registry backend %q", rc.Backend)
}

func (b *Backends) openHot(ctx context.Context) (provider.ObjectStore, error) {
	hc := b.cfg.Hot
	switch hc.Backend {
	case config.BackendMemory:
		return hotmem.New(), nil
	case config.BackendFile:
		return file.New(file.Config{BaseDir: hc.Dir})
	case config.BackendS3:
		endpoint := hc.Endpoint
		if endpoint == "" {
			endpoint = b.cfg.AWS.Endpoint
		}
		return s3.New(ctx, s3.Config{
			Bucket:          hc.Bucket,
			Region:          b.cfg.AWS.Region,
			Endpoint:        endpoint,
			Profile:         b.cfg.AWS.Profile,
			AccessKeyID:     b.cfg.AWS.AccessKeyID,
			SecretAccessKey: b.cfg.AWS.SecretAccessKey,
			ForcePathStyle:  hc.ForcePathStyle,
		})
	}
	return nil, fmt.Errorf("unsupported hot backend %q", hc.Backend)
}

func (b *Backends) openTransport(ctx context.Context) (queue.Publisher, error) {
	qc := b.cfg.Queue
	subs := queue.DefaultSubscriptions(events.Topics()...)
	switch qc.Backend {
	case config.BackendMemory:
		var opts []memq.Option
		if qc.VisibilityTimeout > 0 {
			opts = append(opts, memq.WithVisibilityTimeout(qc.VisibilityTimeout))
		}
		b.Broker = memq.NewBroker(subs, opts...)
		return b.Broker, nil
	case config.BackendSQS:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		b.sqsClient = awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return sqs.NewPublisher(snsClient, qc.Topics), nil
	case config.BackendRedis:
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		b.closers = append(b.closers, b.rdb.Close)
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", qc.Redis.Addr, err)
		}
		return redisq.NewPublisher(b.rdb, subs, qc.Redis.MaxLen), nil
	}
	return nil, fmt.Errorf("unsupported queue backend %q", qc.Backend)
}

func (b *Backends) openCold(ctx context.Context) (coldstore.Vault, error) {
	cc := b.cfg.Cold
	switch cc.Backend {
	case config.BackendMemory:
		return coldmem.New(coldmem.WithNotifier(b.Publisher, events.TopicRestoreResults)), nil
	case config.BackendGlacier:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := awsglacier.NewFromConfig(awsCfg, func(o *awsglacier.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return glacier.New(client, glacier.Config{
			Vault:       cc.Vault,
			AccountID:   cc.AccountID,
			SNSTopicARN: cc.SNSTopicARN,
		})
	}
	return nil, fmt.Errorf("unsupported cold backend %q", cc.Backend)
}

// consumerName identifies this process within a redis consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "annopipe"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Consumer opens the consumer for queueName on the configured transport.
func (b *Backends) Consumer(ctx context.Context, queueName string) (queue.Consumer, error) {
	qc := b.cfg.Queue
	switch {
	case b.Broker != nil:
		return b.Broker.Consumer(queueName)
	case b.sqsClient != nil:
		ep, err := qc.Endpoint(queueName)
		if err != nil {
			return nil, err
		}
		return sqs.NewConsumer(b.sqsClient, sqs.ConsumerConfig{
			QueueURL:           ep.URL,
			DeadLetterQueueURL: ep.DeadLetterURL,
			VisibilityTimeout:  qc.VisibilityTimeout,
		})
	case b.rdb != nil:
		return redisq.NewConsumer(ctx, b.rdb, redisq.ConsumerConfig{
			Stream:            queueName,
			Group:             qc.Redis.Group,
			Consumer:          consumerName(),
			VisibilityTimeout: qc.VisibilityTimeout,
		})
	}
	return nil, errors.New("no queue transport open")
}

// Deps returns the pipeline dependencies backed by b.
func (b *Backends) Deps() pipeline.Deps {
	return pipeline.Deps{
		Registry:  b.Registry,
		Hot:       b.Hot,
		Cold:      b.Cold,
		Publisher: b.Publisher,
		Logger:    b.logger,
	}
}

// Notifier opens the configured notifier.
func (b *Backends) Notifier(ctx context.Context) (notify.Notifier, error) {
	nc := b.cfg.Notify
	switch nc.Backend {
	case config.BackendLog:
		return notify.NewLogNotifier(b.logger.Named("mail")), nil
	case config.BackendSES:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return notify.NewSESNotifier(client, nc.From)
	}
	return nil, fmt.Errorf("unsupported notify backend %q", nc.Backend)
}

// Close releases every backend in reverse open order.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
