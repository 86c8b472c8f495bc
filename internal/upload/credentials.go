package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// RoleSessionDuration is how long assumed-role credentials for S3 writes stay valid
const RoleSessionDuration = 15 * time.Minute

// ClientSource hands out the S3 client used for puts
type ClientSource interface {
	Client(ctx context.Context) (S3API, error)
}

// StaticClient wraps an already built client
type StaticClient struct {
	API S3API
}

// Client implements ClientSource
func (c StaticClient) Client(context.Context) (S3API, error) {
	return c.API, nil
}

// LazyClient builds the client on first use and shares it afterwards. A failed build is not
// cached, so the next request tries again.
type LazyClient struct {
	build func(ctx context.Context) (S3API, error)

	mu     sync.Mutex
	client S3API
}

// NewLazyClient creates a LazyClient around build
func NewLazyClient(build func(ctx context.Context) (S3API, error)) *LazyClient {
	return &LazyClient{build: build}
}

// Client implements ClientSource
func (l *LazyClient) Client(ctx context.Context) (S3API, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client != nil {
		return l.client, nil
	}
	client, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.client = client
	return client, nil
}

// NewS3ClientBuilder returns a builder that loads the default AWS configuration for region.
// When roleARN is set, writes use credentials from STS AssumeRole on that role.
func NewS3ClientBuilder(region, roleARN string) func(ctx context.Context) (S3API, error) {
	return func(ctx context.Context) (S3API, error) {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		if roleARN != "" {
			stsClient := sts.NewFromConfig(cfg)
			provider := stscreds.NewAssumeRoleProvider(stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = fmt.Sprintf("caption-upload-session-%d", time.Now().Unix())
				o.Duration = RoleSessionDuration
			})
			cfg.Credentials = aws.NewCredentialsCache(provider)
		}

		return s3.NewFromConfig(cfg), nil
	}
}
