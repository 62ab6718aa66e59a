package mxmcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"google.golang.org/api/googleapi"
)

const uploadBufferSize = 16 * 1024 * 1024

// Publisher uploads compiled archives and their manifest to a bucket.
type Publisher struct {
	logger *zap.Logger
	bucket *blob.Bucket
	// Concurrency is the number of parts uploaded in parallel per file.
	Concurrency int
}

// NewPublisher wraps an open bucket.
func NewPublisher(logger *zap.Logger, bucket *blob.Bucket) *Publisher {
	return &Publisher{logger: logger, bucket: bucket, Concurrency: 2}
}

// OpenPublisher opens a gocloud bucket URL such as s3://bucket?region=x,
// gs://bucket, azblob://container, file:///dir or mem://, below prefix.
func OpenPublisher(ctx context.Context, logger *zap.Logger, bucketURL, prefix string) (*Publisher, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", bucketURL, err)
	}
	if prefix != "" && prefix != "/" && prefix != "." {
		b = blob.PrefixedBucket(b, path.Clean(prefix)+"/")
	}
	return NewPublisher(logger, b), nil
}

// Close closes the bucket.
func (p *Publisher) Close() error {
	return p.bucket.Close()
}

// UploadOptions configures one upload.
type UploadOptions struct {
	// Region tags the object where the provider supports object tags.
	Region string
	// Overwrite replaces an existing object. Otherwise an existing key is
	// left in place and reported as skipped.
	Overwrite    bool
	CacheControl string
}

// setCreateOnly makes the write fail when the key exists on providers with
// conditional writes.
func setCreateOnly(asFunc func(any) bool) bool {
	var gcsHandle **storage.ObjectHandle
	var azOpts *azblob.UploadStreamOptions
	if asFunc(&gcsHandle) {
		*gcsHandle = (*gcsHandle).If(storage.Conditions{DoesNotExist: true})
		return true
	}
	if asFunc(&azOpts) {
		etag := azcore.ETagAny
		azOpts.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &container.ModifiedAccessConditions{IfNoneMatch: &etag},
		}
		return true
	}
	return false
}

func setObjectTags(asFunc func(any) bool, region string) {
	var s3Req *s3.PutObjectInput
	if region != "" && asFunc(&s3Req) {
		s3Req.Tagging = aws.String(url.Values{"region": {region}}.Encode())
	}
}

// providerStatusCode extracts the HTTP status of a provider error, or zero.
func providerStatusCode(err error) int {
	var awsErr *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error
	switch {
	case errors.As(err, &awsErr):
		return awsErr.HTTPStatusCode()
	case errors.As(err, &azureErr):
		return azureErr.StatusCode
	case errors.As(err, &gcpErr):
		return gcpErr.Code
	}
	return 0
}

func isExistsError(err error) bool {
	code := providerStatusCode(err)
	return gcerrors.Code(err) == gcerrors.FailedPrecondition || code == 409 || code == 412
}

// UploadFile copies the file at src to key. It reports false when the
// object already existed and was left alone.
func (p *Publisher) UploadFile(ctx context.Context, src, key string, opts UploadOptions) (bool, error) {
	if !opts.Overwrite {
		exists, err := p.bucket.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("checking %s: %w", key, err)
		}
		if exists {
			p.logger.Warn("object exists, skipping", zap.String("key", key))
			return false, nil
		}
	}
	f, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return false, err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := p.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		BufferSize:     uploadBufferSize,
		MaxConcurrency: max(1, p.Concurrency),
		CacheControl:   opts.CacheControl,
		BeforeWrite: func(asFunc func(any) bool) error {
			if !opts.Overwrite {
				setCreateOnly(asFunc)
			}
			setObjectTags(asFunc, opts.Region)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("opening writer for %s: %w", key, err)
	}
	bar := getProgressWriter().NewBytesProgress(st.Size(), "uploading "+key)
	_, err = io.Copy(w, io.TeeReader(f, bar))
	bar.Close()
	if err != nil {
		cancel()
		w.Close()
		return false, fmt.Errorf("uploading %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if !opts.Overwrite && isExistsError(err) {
			p.logger.Warn("object created concurrently, skipping", zap.String("key", key))
			return false, nil
		}
		return false, fmt.Errorf("uploading %s: %w (status %d)", key, err, providerStatusCode(err))
	}
	p.logger.Info("uploaded", zap.String("key", key), zap.Int64("bytes", st.Size()))
	return true, nil
}

// PublishStats counts uploaded and already present objects.
type PublishStats struct {
	Uploaded int
	Skipped  int
}

// Publish uploads files create only, then replaces the manifest at
// manifestPath so clients never see a manifest pointing at missing files.
func (p *Publisher) Publish(ctx context.Context, region string, files []PublishedFile, manifestPath string) (PublishStats, error) {
	var stats PublishStats
	for _, f := range files {
		ok, err := p.UploadFile(ctx, f.Path, f.Name, UploadOptions{Region: region})
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Uploaded++
		} else {
			stats.Skipped++
		}
	}
	if manifestPath == "" {
		return stats, nil
	}
	if _, err := p.UploadFile(ctx, manifestPath, filepath.Base(manifestPath), UploadOptions{Overwrite: true, CacheControl: "no-cache"}); err != nil {
		return stats, err
	}
	stats.Uploaded++
	return stats, nil
}

// RemoteManifest reads the manifest currently published, or an empty one.
func (p *Publisher) RemoteManifest(ctx context.Context, name string) (*Manifest, error) {
	b, err := p.bucket.ReadAll(ctx, name)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return emptyManifest(), nil
	}
	if err != nil {
		return nil, err
	}
	return ParseManifest(b)
}
