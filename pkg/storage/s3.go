package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// FolderTranscripts is the S3 prefix for archived interview transcripts.
const FolderTranscripts = "transcripts"

// S3Config holds S3 client configuration.
type S3Config struct {
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	TranscriptsBucket string
}

// S3 uploads transcript archives.
type S3 struct {
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("transcripts_bucket", cfg.TranscriptsBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return &S3{uploader: uploader, cfg: cfg, logger: logger}, nil
}

// TranscriptKey returns the object key: transcripts/{yyyy}/{mm}/{session_id}.json.
func TranscriptKey(sessionID string, endedAt time.Time) string {
	return path.Join(FolderTranscripts, endedAt.UTC().Format("2006"), endedAt.UTC().Format("01"), path.Base(sessionID)+".json")
}

// Upload streams a reader to S3 and returns the object URL.
func (s *S3) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key), nil
}

// ArchiveTranscript uploads a JSON transcript document to the transcripts bucket.
func (s *S3) ArchiveTranscript(ctx context.Context, sessionID string, endedAt time.Time, doc []byte) (string, error) {
	key := TranscriptKey(sessionID, endedAt)
	url, err := s.Upload(ctx, s.cfg.TranscriptsBucket, key, "application/json", bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return "", err
	}
	s.logger.Debug("transcript archived", zap.String("session_id", sessionID), zap.String("key", key))
	return url, nil
}
