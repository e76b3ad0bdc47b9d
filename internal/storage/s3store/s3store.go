// Package s3store is the s3://bucket/prefix storage backend, built on
// minio-go's S3-compatible client. Grounded on storj-storj's go.mod, which
// depends on minio-go for exactly this role; the teacher (cuemby-warren)
// carries no object-storage client of its own.
package s3store

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
	minio "github.com/minio/minio-go"
)

// multipartThreshold is the size above which minio-go's PutObject switches
// to a parallel multipart upload internally (SPEC_FULL §4.1's multipart
// policy is satisfied by the library, not reimplemented here).
const multipartThreshold = 64 << 20

// Backend stores objects in one S3-compatible bucket under a key prefix.
type Backend struct {
	client *minio.Client
	bucket string
	prefix string
	uri    string
}

// Config configures the underlying minio.Client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// New connects to an S3-compatible endpoint and scopes all paths under
// bucket/prefix (both taken from the s3://bucket/prefix URI).
func New(cfg Config, uri string) (*Backend, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "s3" {
		return nil, serrs.InvalidArgument.New("s3store: not an s3:// URI: %s", uri)
	}

	client, err := minio.New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Secure)
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	return &Backend{
		client: client,
		bucket: parsed.Host,
		prefix: strings.Trim(parsed.Path, "/"),
		uri:    uri,
	}, nil
}

func (b *Backend) key(path string) string {
	if b.prefix == "" {
		return path
	}
	return b.prefix + "/" + strings.TrimPrefix(path, "/")
}

func (b *Backend) Put(_ context.Context, path string, payload storage.Payload) error {
	key := b.key(path)

	if payload.IsFile() {
		_, err := b.client.FPutObject(b.bucket, key, payload.LocalPath(), minio.PutObjectOptions{})
		if err != nil {
			return classify(err)
		}
		return nil
	}

	// Objects at or above multipartThreshold are uploaded by minio-go as a
	// parallel multipart upload internally; below it, a single PUT.
	data := payload.Bytes()
	_, err := b.client.PutObject(b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) GetSlice(_ context.Context, path string, r storage.ByteRange) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if r.End > r.Start {
		if err := opts.SetRange(int64(r.Start), int64(r.End)-1); err != nil {
			return nil, serrs.InvalidArgument.Wrap(err)
		}
	}

	obj, err := b.client.GetObject(b.bucket, b.key(path), opts)
	if err != nil {
		return nil, classify(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (b *Backend) GetAll(_ context.Context, path string) ([]byte, error) {
	obj, err := b.client.GetObject(b.bucket, b.key(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (b *Backend) CopyToFile(_ context.Context, path string, localPath string) error {
	if err := b.client.FGetObject(b.bucket, b.key(path), localPath, minio.GetObjectOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, path string) error {
	if err := b.client.RemoveObject(b.bucket, b.key(path)); err != nil {
		if minioErr, ok := err.(minio.ErrorResponse); ok && minioErr.Code == "NoSuchKey" {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (b *Backend) Exists(_ context.Context, path string) (bool, error) {
	_, err := b.client.StatObject(b.bucket, b.key(path), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minioErr, ok := err.(minio.ErrorResponse); ok && minioErr.Code == "NoSuchKey" {
		return false, nil
	}
	return false, classify(err)
}

func (b *Backend) FileNumBytes(_ context.Context, path string) (uint64, error) {
	info, err := b.client.StatObject(b.bucket, b.key(path), minio.StatObjectOptions{})
	if err != nil {
		return 0, classify(err)
	}
	return uint64(info.Size), nil
}

func (b *Backend) URI() string { return b.uri }

// ListObjects enumerates objects under prefix, reporting the bucket's
// LastModified for each (SPEC_FULL Open Question 2: S3-compatible backends
// reliably report mtime, so dangling files here are graced like Staged
// splits).
func (b *Backend) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	doneCh := make(chan struct{})
	defer close(doneCh)

	var out []storage.ObjectInfo
	for info := range b.client.ListObjectsV2(b.bucket, b.key(prefix), true, doneCh) {
		if info.Err != nil {
			return nil, classify(info.Err)
		}
		out = append(out, storage.ObjectInfo{
			Path:            strings.TrimPrefix(info.Key, b.prefix+"/"),
			SizeInBytes:     uint64(info.Size),
			LastModified:    info.LastModified,
			HasLastModified: true,
		})
	}
	return out, nil
}

func classify(err error) error {
	if minioErr, ok := err.(minio.ErrorResponse); ok {
		switch minioErr.Code {
		case "NoSuchKey", "NoSuchBucket":
			return serrs.NotFound.Wrap(err)
		case "AccessDenied":
			return serrs.Permission.Wrap(err)
		}
	}
	return serrs.IO.Wrap(err)
}
