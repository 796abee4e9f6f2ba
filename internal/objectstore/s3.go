// Package objectstore adapts an S3-compatible endpoint (MinIO in local
// development) and owns the deterministic object key layout.
package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	appcfg "github.com/lidarscope/control-plane/internal/config"
)

const (
	// multipartThreshold is the file size above which uploads switch to
	// the multipart path.
	multipartThreshold = 8 << 20
	// multipartChunkSize is the size of each uploaded part.
	multipartChunkSize = 10 << 20
)

// Ref addresses one object.
type Ref struct {
	Bucket string
	Key    string
}

// Store is the object-store port consumed by the artifact service and
// the pipeline activities.
type Store interface {
	PutObject(ctx context.Context, ref Ref, localPath string) (etag string, size int64, err error)
	PutBytes(ctx context.Context, ref Ref, body []byte, contentType string) (etag string, size int64, err error)
	UploadFile(ctx context.Context, ref Ref, localPath string) (etag string, size int64, err error)
	GetBytes(ctx context.Context, ref Ref) ([]byte, error)
	DownloadFile(ctx context.Context, ref Ref, localPath string) error
	HeadObject(ctx context.Context, ref Ref) (etag *string, size *int64, err error)
}

type s3Store struct {
	client *s3.Client
}

var _ Store = (*s3Store)(nil)

// New builds an S3 client for the configured endpoint. Path-style
// addressing keeps MinIO happy.
func New(ctx context.Context, cfg appcfg.S3Config) (Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return &s3Store{client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *s3.Client) Store {
	return &s3Store{client: client}
}

func stripQuotes(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

func contentMD5(b []byte) string {
	sum := md5.Sum(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// PutObject uploads a local file in a single PUT regardless of size.
func (s *s3Store) PutObject(ctx context.Context, ref Ref, localPath string) (string, int64, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return s.PutBytes(ctx, ref, body, "application/octet-stream")
}

// PutBytes uploads a byte slice with an integrity Content-MD5 header.
func (s *s3Store) PutBytes(ctx context.Context, ref Ref, body []byte, contentType string) (string, int64, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		ContentMD5:  aws.String(contentMD5(body)),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to put object %s: %w", ref.Key, err)
	}
	return stripQuotes(aws.ToString(resp.ETag)), int64(len(body)), nil
}

// UploadFile uploads a local file, switching to a multipart upload with
// per-part Content-MD5 above the threshold. Returns the final ETag and
// the file size. Multipart ETags are not MD5 digests.
func (s *s3Store) UploadFile(ctx context.Context, ref Ref, localPath string) (string, int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if info.Size() < multipartThreshold {
		return s.PutObject(ctx, ref, localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := create.UploadId

	abort := func() {
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(ref.Bucket),
			Key:      aws.String(ref.Key),
			UploadId: uploadID,
		})
	}

	var parts []types.CompletedPart
	buf := make([]byte, multipartChunkSize)
	for partNum := int32(1); ; partNum++ {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			part, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(ref.Bucket),
				Key:        aws.String(ref.Key),
				UploadId:   uploadID,
				PartNumber: aws.Int32(partNum),
				Body:       bytes.NewReader(chunk),
				ContentMD5: aws.String(contentMD5(chunk)),
			})
			if err != nil {
				abort()
				return "", 0, fmt.Errorf("failed to upload part %d: %w", partNum, err)
			}
			parts = append(parts, types.CompletedPart{ETag: part.ETag, PartNumber: aws.Int32(partNum)})
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			abort()
			return "", 0, fmt.Errorf("failed to read %s: %w", localPath, readErr)
		}
	}

	complete, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(ref.Bucket),
		Key:             aws.String(ref.Key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return "", 0, fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return stripQuotes(aws.ToString(complete.ETag)), info.Size(), nil
}

// GetBytes downloads the whole object into memory.
func (s *s3Store) GetBytes(ctx context.Context, ref Ref) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", ref.Key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", ref.Key, err)
	}
	return body, nil
}

// DownloadFile streams the object to a local path, creating parent
// directories as needed.
func (s *s3Store) DownloadFile(ctx context.Context, ref Ref, localPath string) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to get object %s: %w", ref.Key, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// HeadObject probes the object, returning (nil, nil) when it does not
// exist and propagating every other failure.
func (s *s3Store) HeadObject(ctx context.Context, ref Ref) (*string, *int64, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to head object %s: %w", ref.Key, err)
	}

	var etag *string
	if head.ETag != nil {
		etag = aws.String(stripQuotes(*head.ETag))
	}
	return etag, head.ContentLength, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
