package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	internalConfig "github.com/sefazor/cutout-backend/internal/config"
	"go.uber.org/zap"
)

// PutInput describes one object to store. Name only contributes its
// extension; the stored key is always unique.
type PutInput struct {
	Folder      string
	Name        string
	ContentType string
	Data        []byte
}

type Object struct {
	Key string
	URL string
}

// CloudflareStorage stores objects in an R2 bucket through the S3 API.
type CloudflareStorage struct {
	client    *s3.Client
	bucket    string
	publicURL string
	log       *zap.Logger
}

func NewCloudflareStorage(ctx context.Context, cfg internalConfig.R2Config, log *zap.Logger) (*CloudflareStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("r2 bucket is not configured")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, errors.New("r2 account id is not configured")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(endpoint, "/") + "/" + cfg.Bucket
	}

	return &CloudflareStorage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
		log:       log,
	}, nil
}

func (s *CloudflareStorage) Put(ctx context.Context, in PutInput) (*Object, error) {
	if len(in.Data) == 0 {
		return nil, errors.New("refusing to store an empty object")
	}
	key := objectKey(in.Folder, in.Name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(in.Data),
		ContentLength: aws.Int64(int64(len(in.Data))),
		ContentType:   aws.String(in.ContentType),
	})
	if err != nil {
		s.log.Error("r2 upload failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to upload to R2: %w", err)
	}

	s.log.Debug("r2 object stored", zap.String("key", key), zap.Int("size", len(in.Data)))
	return &Object{Key: key, URL: s.URL(key)}, nil
}

func (s *CloudflareStorage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from R2: %w", key, err)
	}
	return nil
}

func (s *CloudflareStorage) URL(key string) string {
	return s.publicURL + "/" + key
}

func objectKey(folder, name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" || len(ext) > 6 {
		ext = ".png"
	}
	key := uuid.NewString() + ext
	if folder = strings.Trim(folder, "/"); folder != "" {
		key = folder + "/" + key
	}
	return key
}
