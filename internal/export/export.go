// Package export uploads a target's score files and results table to an
// S3-compatible bucket, gzip-compressed.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"reid/internal/config"
	"reid/internal/fsutil"
	"reid/internal/layout"
)

// Putter is the subset of the S3 client the exporter needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds an S3 client from the export section. Credentials come
// from the default AWS chain.
func NewClient(ctx context.Context, cfg config.Export) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Exporter copies evaluation artifacts to a bucket.
type Exporter struct {
	Client   Putter
	Bucket   string
	Prefix   string
	Resolver *layout.Resolver
	Logger   *slog.Logger
}

// Uploaded describes one exported object.
type Uploaded struct {
	Source string
	Key    string
	Size   int
}

// Export uploads the results table and every score file of targetID under
// <prefix>/<target>/. Missing score files are skipped; a target with nothing
// to export is an error.
func (e *Exporter) Export(ctx context.Context, targetID string) ([]Uploaded, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	files := e.artifacts(targetID)
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to export for target %s", targetID)
	}

	base := e.Resolver.TargetDir(targetID)
	var uploaded []Uploaded
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		rel, err := filepath.Rel(base, src)
		if err != nil {
			return uploaded, err
		}
		key := objectKey(e.Prefix, targetID, rel) + ".gz"
		n, err := e.put(ctx, src, key)
		if err != nil {
			return uploaded, fmt.Errorf("upload %s: %w", src, err)
		}
		logger.Info("exported", "file", src, "bucket", e.Bucket, "key", key, "bytes", n)
		uploaded = append(uploaded, Uploaded{Source: src, Key: key, Size: n})
	}
	return uploaded, nil
}

func (e *Exporter) artifacts(targetID string) []string {
	var files []string
	if p := e.Resolver.ResultsFile(targetID); fsutil.FileExists(p) {
		files = append(files, p)
	}
	for _, cf := range e.Resolver.CostFunctions() {
		for _, metric := range e.Resolver.Metrics() {
			p, err := e.Resolver.ScoreFile(targetID, cf, metric)
			if err == nil && fsutil.FileExists(p) {
				files = append(files, p)
			}
		}
	}
	return files
}

func (e *Exporter) put(ctx context.Context, src, key string) (int, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, err
	}
	body, err := compress(data)
	if err != nil {
		return 0, err
	}
	_, err = e.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(contentType(src)),
		ContentEncoding: aws.String("gzip"),
	})
	return len(body), err
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func objectKey(prefix, targetID, rel string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, targetID, filepath.ToSlash(rel))
	return path.Join(parts...)
}
