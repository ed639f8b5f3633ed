package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/transporttest"
)

type captured struct {
	accountID, region string
	pub               sns.PublisherConfig
	sub               sns.SubscriberConfig
	sqs               sqs.SubscriberConfig
}

func stubFactories(t *testing.T, loadErr error) (*captured, *transporttest.Publisher) {
	t.Helper()
	originalLoader, originalResolver := DefaultConfigLoader, TopicResolverFactory
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	got := &captured{}
	pub := &transporttest.Publisher{}
	DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "eu-west-1"}, loadErr
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		got.accountID, got.region = accountID, region
		return sns.NewGenerateArnTopicResolver(accountID, region)
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		got.pub = cfg
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		got.sub, got.sqs = cfg, sqsCfg
		return &transporttest.Subscriber{}, nil
	}
	return got, pub
}

func TestRegister(t *testing.T) {
	Register()
	assert.Equal(t, int64(900000), transport.GetCapabilities(TransportName).MaxDelayDuration)
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuildAgainstAWS(t *testing.T) {
	got, _ := stubFactories(t, nil)

	tr, err := Build(context.Background(), &transporttest.Config{
		AWSRegion:    "us-east-1",
		AWSAccountID: "'123456789012'",
	}, watermill.NopLogger{})

	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.Equal(t, "123456789012", got.accountID)
	assert.Equal(t, "us-east-1", got.region)
	assert.Equal(t, "us-east-1", got.pub.AWSConfig.Region)
	assert.Empty(t, got.pub.OptFns)
	assert.Empty(t, got.sqs.OptFns)

	queue, err := got.sub.GenerateSqsQueueName(context.Background(), "arn:aws:sns:us-east-1:123456789012:orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", queue)
}

func TestBuildAgainstLocalstack(t *testing.T) {
	got, _ := stubFactories(t, nil)

	_, err := Build(context.Background(), &transporttest.Config{
		AWSEndpoint:        "http://localhost:4566",
		AWSAccessKeyID:     "test",
		AWSSecretAccessKey: "test",
	}, watermill.NopLogger{})

	require.NoError(t, err)
	assert.Equal(t, LocalstackAccountID, got.accountID)
	assert.Equal(t, "eu-west-1", got.region)
	assert.Len(t, got.pub.OptFns, 1)
	assert.Len(t, got.sub.OptFns, 1)
	assert.Len(t, got.sqs.OptFns, 1)
}

func TestBuildFailures(t *testing.T) {
	stubFactories(t, errors.New("no credentials"))
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.EqualError(t, err, "no credentials")

	_, pub := stubFactories(t, nil)
	_, err = Build(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "parse AWS endpoint")

	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
	assert.EqualError(t, err, "subscriber error")
	assert.True(t, pub.Closed)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := staticCredentials("id", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}
