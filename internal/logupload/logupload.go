// Package logupload ships rotated log files to blob storage. It is the daily
// side-task of the worker loop: failures are logged and retried on the next
// marker, never propagated into message processing.
package logupload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// settleAge guards against uploading a file the logger is still writing.
const settleAge = 30 * time.Second

// ObjectPutter is the subset of the S3 API the uploader needs. Satisfied by
// [*s3.Client]; tests substitute a fake.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectPutter = (*s3.Client)(nil)

// Uploader scans a log directory and uploads settled files under
// "<app>/<filename>" keys, deleting each local file after a successful
// upload.
type Uploader struct {
	client  ObjectPutter
	bucket  string
	app     string
	logDir  string
	pattern string
	now     func() time.Time
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithPattern restricts the scan to files matching the glob pattern
// (default "*.log*").
func WithPattern(pattern string) Option {
	return func(u *Uploader) { u.pattern = pattern }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// New creates an Uploader for the given app name and log directory.
func New(client ObjectPutter, bucket, app, logDir string, opts ...Option) *Uploader {
	u := &Uploader{
		client:  client,
		bucket:  bucket,
		app:     app,
		logDir:  logDir,
		pattern: "*.log*",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run uploads every settled log file, oldest first. The first failed upload
// aborts the run so the remaining files are retried together on the next
// attempt.
func (u *Uploader) Run(ctx context.Context) error {
	files, err := u.scan()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		slog.Debug("no settled log files to upload", "dir", u.logDir)
		return nil
	}

	for _, path := range files {
		if err := u.upload(ctx, path); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("remove uploaded log failed", "path", path, "err", err)
		}
	}
	slog.Info("log upload complete", "app", u.app, "files", len(files))
	return nil
}

// scan lists matching files older than the settle age, sorted oldest first.
func (u *Uploader) scan() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(u.logDir, u.pattern))
	if err != nil {
		return nil, fmt.Errorf("logupload: glob %q: %w", u.pattern, err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	cutoff := u.now().Add(-settleAge)
	var files []candidate
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		files = append(files, candidate{path: path, modTime: fi.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func (u *Uploader) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("logupload: open %q: %w", path, err)
	}
	defer f.Close()

	key := u.app + "/" + filepath.Base(path)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("logupload: put %q: %w", key, err)
	}
	slog.Debug("log file uploaded", "key", key)
	return nil
}
