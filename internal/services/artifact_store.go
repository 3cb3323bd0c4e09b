package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"planpay/internal/config"
	"planpay/pkg/utils"
)

// ArtifactStore persists generated documents and returns a retrievable URL.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3ArtifactStore struct {
	client   objectPutter
	bucket   string
	region   string
	endpoint string
}

func NewS3ArtifactStore(client *s3.Client, cfg config.S3Config) ArtifactStore {
	return newS3ArtifactStore(client, cfg)
}

func newS3ArtifactStore(client objectPutter, cfg config.S3Config) *s3ArtifactStore {
	return &s3ArtifactStore{
		client:   client,
		bucket:   cfg.Bucket,
		region:   cfg.Region,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
	}
}

func (s *s3ArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", utils.ErrStorageUnavailable, key, err)
	}
	return s.objectURL(key), nil
}

func (s *s3ArtifactStore) objectURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// ReceiptKey namespaces receipts by payment: payments/{paymentId}/{uuid}.pdf.
func ReceiptKey(paymentID string) string {
	return fmt.Sprintf("payments/%s/%s.pdf", paymentID, uuid.NewString())
}
