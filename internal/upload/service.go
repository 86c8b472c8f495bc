package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/stefando/imageCaptionAWS/internal/metrics"
)

// ErrMissingBucket is returned when no destination bucket is configured
var ErrMissingBucket = errors.New("bucket name not configured")

// DefaultContentType is sent to S3 when the part does not declare an image type
const DefaultContentType = "image/jpeg"

// S3API is the subset of *s3.Client used by UploadService
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// UploadService stores uploaded images in a single S3 bucket
type UploadService struct {
	clients    ClientSource
	bucketName string
	region     string
	timeout    time.Duration
}

// NewUploadService creates a new upload service. An empty bucketName is accepted so that
// the handler can report it per request instead of failing at startup.
func NewUploadService(clients ClientSource, bucketName, region string, timeout time.Duration) *UploadService {
	return &UploadService{
		clients:    clients,
		bucketName: bucketName,
		region:     region,
		timeout:    timeout,
	}
}

// Bucket returns the destination bucket name
func (s *UploadService) Bucket() string {
	return s.bucketName
}

// NewKey creates a fresh object key of the form <uuid>.jpg. It never depends on the
// uploaded content or the client supplied filename.
func (s *UploadService) NewKey() string {
	return generateS3Key()
}

func generateS3Key() string {
	return fmt.Sprintf("%s.jpg", uuid.New().String())
}

// PublicURL returns the virtual-hosted style URL of key in the configured bucket and region
func (s *UploadService) PublicURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucketName, s.region, key)
}

// Put uploads content under key. The call is bounded by the service timeout.
func (s *UploadService) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if s.bucketName == "" {
		return ErrMissingBucket
	}

	client, err := s.clients.Client(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if contentType == "" {
		contentType = DefaultContentType
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
	}

	start := time.Now()
	_, err = client.PutObject(ctx, input)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoragePutSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	metrics.UploadBytes.Observe(float64(len(content)))
	return nil
}
