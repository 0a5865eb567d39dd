package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectFetcher is the subset of the S3 API the downloader needs. Satisfied
// by [*s3.Client]; tests substitute a fake.
type ObjectFetcher interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Downloader fetches input audio blobs into per-run scratch directories.
type Downloader struct {
	client ObjectFetcher
	bucket string
	tmpDir string
}

// NewDownloader creates a Downloader reading from the given bucket.
// tmpDir is the parent for scratch directories; empty means [os.TempDir].
func NewDownloader(client ObjectFetcher, bucket, tmpDir string) *Downloader {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Downloader{client: client, bucket: bucket, tmpDir: tmpDir}
}

// Fetch downloads the named object into a fresh scratch directory and
// returns the local path plus the directory (for cleanup). Empty objects are
// rejected.
func (d *Downloader) Fetch(ctx context.Context, key string) (path, scratchDir string, err error) {
	scratchDir = filepath.Join(d.tmpDir, "whisper_audio_"+uuid.NewString()[:8])
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", "", stageErrorf("download", "create scratch dir: %w", err)
	}

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", scratchDir, stageErrorf("download", "get object %q: %w", key, err)
	}
	defer out.Body.Close()

	path = filepath.Join(scratchDir, filepath.Base(key))
	f, err := os.Create(path)
	if err != nil {
		return "", scratchDir, stageErrorf("download", "create %q: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return "", scratchDir, stageErrorf("download", "write %q: %w", path, err)
	}
	if n == 0 {
		return "", scratchDir, stageErrorf("download", "object %q is empty", key)
	}
	return path, scratchDir, nil
}

// ensure the real client satisfies the interface.
var _ ObjectFetcher = (*s3.Client)(nil)

// sizeOf returns the file size or an error wrapped for the given stage.
func sizeOf(stage, path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, stageErrorf(stage, "stat %q: %w", path, err)
	}
	return fi.Size(), nil
}
