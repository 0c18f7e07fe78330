package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultS3Concurrency = 8

type S3ClientConfig struct {
	// Endpoint overrides the AWS endpoint, e.g. a minio url. Path style
	// addressing is used whenever it is set.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Concurrency bounds parallel object transfers for directory copies.
	Concurrency int
}

func (c S3ClientConfig) concurrency() int {
	if c.Concurrency <= 0 {
		return defaultS3Concurrency
	}
	return c.Concurrency
}

func loadAwsConfig(ctx context.Context, region string, creds aws.CredentialsProvider) (aws.Config, error) {
	var opts []func(*aws_config.LoadOptions) error
	if region != "" {
		opts = append(opts, aws_config.WithRegion(region))
	}
	if creds != nil {
		opts = append(opts, aws_config.WithCredentialsProvider(creds))
	}
	return aws_config.LoadDefaultConfig(ctx, opts...)
}

// initializeS3Client uses static credentials when both keys are set, then
// the default AWS chain, and falls back to anonymous access so that public
// dataset buckets can be staged without credentials.
func initializeS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	var creds aws.CredentialsProvider
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	awsCfg, err := loadAwsConfig(ctx, cfg.Region, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		if awsCfg, err = loadAwsConfig(ctx, cfg.Region, aws.AnonymousCredentials{}); err != nil {
			return nil, fmt.Errorf("failed to load anonymous aws config: %w", err)
		}
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
