package service

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"

	cfg "featherpost/configs"
)

// Images larger than this are rejected before they reach storage.
const maxImageSize = 5 * 1024 * 1024

type MediaService struct {
	config cfg.Config
	client *s3.Client
}

func NewMediaService(c cfg.Config) *MediaService {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.S3.AccessKey, c.S3.SecretKey, "")),
		awsconfig.WithRegion(c.S3.Region),
	)
	if err != nil {
		slog.Info(err.Error())
		log.Fatal(err)
	}

	return &MediaService{
		config: c,
		client: s3.NewFromConfig(awsCfg),
	}
}

// UploadPostImage validates and stores one image, returning its public
// URL for attaching to a post.
func (m *MediaService) UploadPostImage(ctx context.Context, userID int64, file []byte) (string, error) {
	if len(file) == 0 {
		return "", fmt.Errorf("no file provided")
	}
	if len(file) > maxImageSize {
		return "", fmt.Errorf("file too large, maximum size is %d bytes", maxImageSize)
	}

	allowedTypes := map[string]struct{}{
		"jpg": {}, "png": {}, "gif": {}, "webp": {},
	}

	fileType, err := filetype.Match(file)
	if err != nil || fileType == types.Unknown {
		return "", fmt.Errorf("unsupported file type")
	}
	if _, ok := allowedTypes[fileType.Extension]; !ok {
		return "", fmt.Errorf("file type %s is not allowed, only JPEG, PNG, GIF and WebP images are accepted", fileType.Extension)
	}

	id, err := gonanoid.New()
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	key := fmt.Sprintf("tweets/%d/%s.%s", userID, id, fileType.Extension)

	if err := m.upload(ctx, key, file, fileType.MIME.Value); err != nil {
		return "", err
	}

	return m.publicURL(key), nil
}

func (m *MediaService) upload(ctx context.Context, key string, file []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.config.S3.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(file),
		ContentType: aws.String(contentType),
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		slog.Info(err.Error())
		return err
	}

	return nil
}

func (m *MediaService) publicURL(key string) string {
	if m.config.S3.PublicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(m.config.S3.PublicURL, "/"), key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", m.config.S3.BucketName, key)
}
