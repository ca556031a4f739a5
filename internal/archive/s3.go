package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dbredin/switchboard/internal/crypto"
)

// S3Config contains configuration for S3-compatible storage. Endpoint
// overrides the AWS default, which is how R2 and MinIO are reached.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archive stores exchanges in an S3-compatible bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	sealer *crypto.Sealer
}

// NewS3Archive creates a new S3-backed archive.
func NewS3Archive(cfg S3Config, sealer *crypto.Sealer) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		sealer: sealer,
	}, nil
}

func (a *S3Archive) key(jobID string) string {
	key := fmt.Sprintf("exchanges/%s.json", jobID)
	if a.sealer != nil {
		key += ".sealed"
	}
	return key
}

func (a *S3Archive) Put(ctx context.Context, ex *Exchange) error {
	data, err := marshalExchange(ex, a.sealer)
	if err != nil {
		return err
	}

	contentType := "application/json"
	if a.sealer != nil {
		contentType = "application/octet-stream"
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(ex.JobID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload exchange: %w", err)
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, jobID string) (*Exchange, error) {
	base := fmt.Sprintf("exchanges/%s.json", jobID)

	// Sealed object first, then plain, mirroring the filesystem backend.
	data, err := a.getObject(ctx, base+".sealed")
	if err == nil {
		return unmarshalExchange(data, true, a.sealer)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	data, err = a.getObject(ctx, base)
	if err != nil {
		return nil, err
	}
	return unmarshalExchange(data, false, a.sealer)
}

func (a *S3Archive) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exchange: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read exchange body: %w", err)
	}
	return data, nil
}

func (a *S3Archive) Close() error {
	return nil
}
