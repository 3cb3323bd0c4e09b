package storage_fx

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"
	"planpay/internal/config"
	"planpay/internal/infra"
	"planpay/internal/services"
)

var Module = fx.Provide(
	provideS3Client,
	services.NewS3ArtifactStore,
)

func provideS3Client(cfg config.S3Config) (*s3.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return infra.NewS3Client(ctx, cfg)
}
