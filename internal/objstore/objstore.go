// Package objstore stores uploaded chat attachments in an
// S3-compatible object store and hands back stable URLs for the
// message records.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type S3Api interface {
	manager.UploadAPIClient

	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type Client struct {
	s3Client   S3Api
	uploader   *manager.Uploader
	bucketName string
	publicURL  string
}

type Config struct {
	S3EndpointURL        string
	S3AccessKeyID        string
	S3SecretAccessKey    string
	S3Region             string
	AttachmentBucketName string
	// PublicURL is the origin attachment URLs are served from. Falls
	// back to the endpoint URL when unset.
	PublicURL string
}

func NewClient(cfg *Config) (*Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) { // nolint:staticcheck
		if cfg.S3EndpointURL != "" {
			return aws.Endpoint{ // nolint:staticcheck
				PartitionID:       "aws",
				URL:               cfg.S3EndpointURL,
				HostnameImmutable: true, // Important for MinIO
			}, nil
		}
		// fallback to default AWS endpoint resolution
		return aws.Endpoint{}, &aws.EndpointNotFoundError{} // nolint:staticcheck
	})

	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		awsCfg, err = aws_config.LoadDefaultConfig(context.TODO(),
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(cfg.S3Region),
			aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")),
		)
	} else {
		awsCfg, err = aws_config.LoadDefaultConfig(context.TODO(),
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(cfg.S3Region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // path-style addressing, needed for MinIO
	})

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = cfg.S3EndpointURL
	}

	return NewFromClient(s3Client, cfg.AttachmentBucketName, publicURL), nil
}

func NewFromClient(client S3Api, bucketName, publicURL string) *Client {
	return &Client{
		s3Client:   client,
		uploader:   manager.NewUploader(client),
		bucketName: bucketName,
		publicURL:  strings.TrimRight(publicURL, "/"),
	}
}

// PutAttachment uploads one attachment under the actor's scope and
// returns the URL to record on the message. Keys are never reused.
func (c *Client) PutAttachment(ctx context.Context, actorScope, filename, contentType string, data []byte) (string, error) {
	key := path.Join(actorScope, fmt.Sprintf("%s-%s", uuid.New(), path.Base(filename)))

	log.Printf("Uploading attachment to s3://%s/%s", c.bucketName, key)
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment to s3://%s/%s: %w", c.bucketName, key, err)
	}

	return fmt.Sprintf("%s/%s/%s", c.publicURL, c.bucketName, key), nil
}

// EnsureBucket creates the attachment bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(c.bucketName),
	})
	if err != nil && !strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") && !strings.Contains(err.Error(), "BucketAlreadyExists") {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucketName, err)
	}
	return nil
}
