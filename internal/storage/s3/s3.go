package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jo-hoe/meshforge/internal/config"
	"github.com/jo-hoe/meshforge/internal/storage"
)

var _ storage.Archiver = (*Archiver)(nil)

// Archiver stores source images in an S3 bucket and hands back the
// object's public URL.
type Archiver struct {
	client        *awss3.Client
	bucket        string
	prefix        string
	publicBaseURL string
}

func New(client *awss3.Client, cfg config.S3Settings) *Archiver {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &Archiver{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: base,
	}
}

func (a *Archiver) Store(ctx context.Context, key string, mimeType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("archive key is empty")
	}
	objectKey := a.ObjectKey(key, mimeType)
	_, err := a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %q: %w", objectKey, err)
	}
	return a.publicBaseURL + "/" + objectKey, nil
}

// ObjectKey builds the bucket key for one archived source image.
func (a *Archiver) ObjectKey(key, mimeType string) string {
	name := "input_image" + storage.ExtensionForMime(mimeType)
	if a.prefix == "" {
		return key + "/" + name
	}
	return a.prefix + "/" + key + "/" + name
}
