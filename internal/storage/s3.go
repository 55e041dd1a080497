// Package storage holds the quarantine archive, an S3-compatible
// object store keeping the raw payloads of episodes that failed
// extraction validation. Payloads are written once and never deleted,
// so rejected ingestions stay reviewable.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3ClientParams carries the connection settings of the object
// store. Endpoint is optional; setting it targets a compatible store
// such as MinIO instead of AWS itself.
type NewS3ClientParams struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func NewS3Client(ctx context.Context, params NewS3ClientParams) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	if params.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKey, params.SecretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// Quarantine archives rejected episode payloads in one bucket.
type Quarantine struct {
	client *s3.Client
	bucket string
}

func NewQuarantine(client *s3.Client, bucket string) *Quarantine {
	return &Quarantine{client: client, bucket: bucket}
}

// One object per episode; a replayed episode overwrites its own
// identical payload instead of duplicating it.
func (q *Quarantine) key(namespace, episodeID string) string {
	return fmt.Sprintf("quarantine/%s/%s.json", namespace, episodeID)
}

// ArchivePayload stores the raw payload of a quarantined episode and
// returns the object key.
func (q *Quarantine) ArchivePayload(ctx context.Context, namespace, episodeID string, payload []byte) (string, error) {
	key := q.key(namespace, episodeID)
	_, err := q.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(q.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive quarantined payload: %w", err)
	}
	return key, nil
}

// FetchPayload loads the archived payload of a quarantined episode.
func (q *Quarantine) FetchPayload(ctx context.Context, namespace, episodeID string) ([]byte, error) {
	result, err := q.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(q.bucket),
		Key:    aws.String(q.key(namespace, episodeID)),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch quarantined payload: %w", err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("read quarantined payload: %w", err)
	}
	return buf.Bytes(), nil
}
