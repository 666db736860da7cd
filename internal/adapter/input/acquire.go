// Package input materializes a job's input artifact as a local file.
// Local paths pass through; URLs and S3 objects download to a temp file
// the caller removes when the job ends.
package input

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/lexara/sixworker/internal/domain"
)

// S3API is the slice of the S3 client the acquirer uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Acquirer fetches job input artifacts.
type Acquirer struct {
	HTTP *http.Client
	S3   S3API
	Log  *slog.Logger
}

// Artifact is a local file ready for a loader, with Temp marking files
// the worker must remove afterwards.
type Artifact struct {
	Path     string
	Temp     bool
	MIMEType string
}

// Acquire resolves one input source. Exactly one of file_path, url, or
// the s3_bucket+s3_key pair must be set.
func (a *Acquirer) Acquire(ctx context.Context, in domain.InputConfig) (Artifact, error) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}

	switch {
	case in.FilePath != "":
		if _, err := os.Stat(in.FilePath); err != nil {
			return Artifact{}, fmt.Errorf("op=input.acquire: %w", err)
		}
		log.Info("using local input file", slog.String("path", in.FilePath))
		return Artifact{Path: in.FilePath, MIMEType: sniff(in.FilePath)}, nil

	case in.URL != "":
		return a.fromURL(ctx, in.URL, log)

	case in.S3Bucket != "" && in.S3Key != "":
		return a.fromS3(ctx, in.S3Bucket, in.S3Key, log)
	}

	return Artifact{}, fmt.Errorf("op=input.acquire: %w: provide file_path, url, or s3_bucket+s3_key",
		domain.ErrInvalidArgument)
}

func (a *Acquirer) fromURL(ctx context.Context, rawURL string, log *slog.Logger) (Artifact, error) {
	client := a.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	log.Info("downloading input from URL", slog.String("url", rawURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("op=input.acquire_url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("op=input.acquire_url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Artifact{}, fmt.Errorf("op=input.acquire_url: unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	return a.spool(resp.Body, ExtensionFor(rawURL), log)
}

func (a *Acquirer) fromS3(ctx context.Context, bucket, key string, log *slog.Logger) (Artifact, error) {
	if a.S3 == nil {
		return Artifact{}, fmt.Errorf("op=input.acquire_s3: s3 client not configured")
	}
	log.Info("downloading input from S3",
		slog.String("bucket", bucket), slog.String("key", key))

	out, err := a.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("op=input.acquire_s3: s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	return a.spool(out.Body, ExtensionFor(key), log)
}

// spool copies a stream to a temp file and sniffs its content type.
func (a *Acquirer) spool(r io.Reader, ext string, log *slog.Logger) (Artifact, error) {
	f, err := os.CreateTemp("", "sixworker-input-*"+ext)
	if err != nil {
		return Artifact{}, fmt.Errorf("op=input.spool: %w", err)
	}
	tmpPath := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("op=input.spool: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("op=input.spool: %w", err)
	}

	mt := sniff(tmpPath)
	log.Info("input downloaded", slog.String("path", tmpPath), slog.String("mime", mt))
	return Artifact{Path: tmpPath, Temp: true, MIMEType: mt}, nil
}

// ExtensionFor infers a file extension from a URL or object key,
// defaulting to .csv, the fleet's dominant format.
func ExtensionFor(ref string) string {
	trimmed := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		trimmed = u.Path
	} else if i := strings.IndexByte(ref, '?'); i >= 0 {
		trimmed = ref[:i]
	}
	if ext := path.Ext(trimmed); ext != "" {
		return ext
	}
	return ".csv"
}

func sniff(p string) string {
	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return ""
	}
	return mt.String()
}
