// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

// S3Storage keeps artifacts in a S3 compatible bucket.
type S3Storage struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Storage creates a S3Storage. Static credentials of cfg take
// precedence over the default AWS credential chain.
func NewS3Storage(ctx context.Context, cfg *Config) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WrapError(errors.ErrInvalidConfig, err, "s3 storage")
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, resolvedRegion string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					PartitionID:       "aws",
					URL:               endpoint,
					SigningRegion:     resolvedRegion,
					HostnameImmutable: true,
				}, nil
			})
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Storage{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload implements Storage.Upload
func (s *S3Storage) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	defer f.Close()
	return s.UploadReader(ctx, f, key)
}

// UploadReader implements Storage.UploadReader
func (s *S3Storage) UploadReader(ctx context.Context, r io.Reader, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	log.Debug("artifact uploaded",
		zap.String("bucket", s.bucket), zap.String("key", key), zap.String("location", out.Location))
	return nil
}
