// Package s3util wraps the S3 operations the detection pipeline relies on:
// put, get, existence check, and download of image objects.
//
// S3 offers read-after-write consistency for new objects, but the producer
// still confirms visibility through Exists before enqueuing so the pipeline
// stays correct against S3-compatible stores that do not.
package s3util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// API is the subset of *s3.Client used here.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Bucket is one S3 bucket holding original and annotated images.
type Bucket struct {
	client API
	name   string
}

// NewBucket binds client to the named bucket.
func NewBucket(client API, name string) *Bucket {
	return &Bucket{client: client, name: name}
}

// URI returns the s3:// location of key.
func (b *Bucket) URI(key string) string {
	return "s3://" + b.name + "/" + key
}

// Upload streams a local file to key.
func (b *Bucket) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return b.put(ctx, key, f, mime.TypeByExtension(filepath.Ext(localPath)))
}

// Put stores data at key.
func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	return b.put(ctx, key, bytes.NewReader(data), mime.TypeByExtension(path.Ext(key)))
}

func (b *Bucket) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.name,
		Key:         &key,
		Body:        body,
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Debug().Str("bucket", b.name).Str("key", key).Str("contentType", contentType).Msg("Uploaded to S3")
	return nil
}

// Exists reports whether key is visible. A missing object is (false, nil);
// any other failure is returned so the caller can decide whether to retry.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.name, Key: &key})
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("S3 HeadObject %s: %w", key, err)
}

// IsNotFound recognises the NotFound / NoSuchKey errors S3 returns for
// HeadObject and GetObject on a missing key.
func IsNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
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
