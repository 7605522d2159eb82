package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// S3Mirror copies written snapshot files into a bucket under a fixed prefix.
type S3Mirror struct {
	config   appconfig.S3Config
	version  string
	s3Client *s3.Client
	log      *logger.Log
}

// NewS3Mirror loads AWS credentials from the configured credentials file or
// static keys and builds the S3 client.
func NewS3Mirror(ctx context.Context, cfg appconfig.S3Config, version string) (*S3Mirror, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.CredentialsFile != "" {
		loadOpts = append(loadOpts, config.WithSharedCredentialsFiles([]string{cfg.CredentialsFile}))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_mirror").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"prefix":     cfg.Prefix,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 mirror initialized")

	return &S3Mirror{
		config:   cfg,
		version:  version,
		s3Client: s3Client,
		log:      log,
	}, nil
}

// Key returns the object key used for a local file.
func (m *S3Mirror) Key(localPath string) string {
	base := filepath.Base(localPath)
	prefix := strings.Trim(m.config.Prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}

// Upload stores the file at localPath under its base name.
func (m *S3Mirror) Upload(ctx context.Context, localPath string) (models.MirrorAck, error) {
	key := m.Key(localPath)
	location := fmt.Sprintf("s3://%s/%s", m.config.Bucket, key)
	log := m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"path":      localPath,
		"s3_key":    key,
	})

	data, err := os.ReadFile(localPath)
	if err != nil {
		return models.MirrorAck{}, &MirrorError{Path: localPath, Location: location, Err: err}
	}

	if m.config.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.UploadTimeout)
		defer cancel()
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(localPath)),
		Metadata: map[string]string{
			"optionflow-version": m.version,
		},
	}

	start := time.Now()
	out, err := m.s3Client.PutObject(ctx, input)
	if err != nil {
		return models.MirrorAck{}, &MirrorError{
			Path:     localPath,
			Location: location,
			Err:      fmt.Errorf("failed to upload to S3 bucket %s: %w", m.config.Bucket, err),
		}
	}

	logger.LogPerformanceEntry(log, "s3_mirror", "put_object", time.Since(start), logger.Fields{
		"bytes": len(data),
	})
	log.Info("successfully uploaded to S3")

	return models.MirrorAck{
		Location: location,
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
		Bytes:    int64(len(data)),
	}, nil
}

func contentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".csv":
		return "text/csv"
	case ".parquet":
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}
