package sink

import (
	iface "TrafficDensity/interface"
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type BucketConfig struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// Bucket uploads the densities artifact to S3 so map clients can fetch it.
type Bucket struct {
	uploader *s3manager.Uploader
	bucket   string
	key      string
}

func NewBucket(cfg BucketConfig) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "densities.json"
	}
	return &Bucket{uploader: s3manager.NewUploader(sess), bucket: cfg.Bucket, key: key}, nil
}

func (b *Bucket) Persist(ctx context.Context, report *iface.Report) error {
	body, err := encodeDensities(report)
	if err != nil {
		return err
	}
	_, err = b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]*string{"run-id": aws.String(report.RunID)},
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return nil
}
