package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"batch-downloader/internal/metrics"
)

// partialSuffix marks files still being written by the download engine.
const partialSuffix = ".part"

type Config struct {
	Bucket    string
	KeyPrefix string
	Region    string
	Endpoint  string
	Profile   string
	Logger    *logrus.Logger
}

type objectAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Exporter uploads task directories to Amazon S3 (or compatible APIs).
type S3Exporter struct {
	cfg      Config
	client   objectAPI
	uploader uploadAPI
}

// New returns the exporter described by cfg, or Disabled when no bucket is set.
func New(ctx context.Context, cfg Config) (Exporter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return Disabled{}, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Exporter(cfg, client, manager.NewUploader(client)), nil
}

func NewS3Exporter(cfg Config, client objectAPI, uploader uploadAPI) *S3Exporter {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/")
	cfg.Logger.Infof("export enabled, bucket %s (region %s)", cfg.Bucket, cfg.Region)
	return &S3Exporter{cfg: cfg, client: client, uploader: uploader}
}

func (s *S3Exporter) Enabled() bool { return true }

// taskPrefix is the key prefix of a task, without trailing slash.
func (s *S3Exporter) taskPrefix(taskID string) string {
	return path.Join(s.cfg.KeyPrefix, taskID)
}

// ExportDirectory uploads every finished file below localDir and returns the
// s3:// location of the task.
func (s *S3Exporter) ExportDirectory(ctx context.Context, taskID, localDir string) (string, error) {
	root := filepath.Clean(localDir)
	if fi, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("stat task dir: %w", err)
	} else if !fi.IsDir() {
		return "", fmt.Errorf("task path must be a directory")
	}

	type uploadFile struct {
		path string
		rel  string
		size int64
	}

	var files []uploadFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(p, partialSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		files = append(files, uploadFile{path: p, rel: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan task dir: %w", err)
	}

	var totalSize int64
	for _, file := range files {
		totalSize += file.size
	}

	logger := s.cfg.Logger.WithField("task_id", taskID)
	progress := newProgressReporter(totalSize, func(done, total int64) {
		logger.Debugf("export progress %d/%d bytes", done, total)
	})
	progress.report(0)

	prefix := s.taskPrefix(taskID)
	for _, file := range files {
		f, err := os.Open(file.path)
		if err != nil {
			return "", fmt.Errorf("open file %s: %w", file.path, err)
		}
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(prefix + "/" + file.rel),
			Body:   io.TeeReader(f, progress),
			ACL:    types.ObjectCannedACLPrivate,
		})
		closeErr := f.Close()
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", file.rel, err)
		}
		if closeErr != nil {
			return "", fmt.Errorf("close file %s: %w", file.path, closeErr)
		}
		metrics.ExportedObjectsTotal.Inc()
	}
	progress.flush()

	location := fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, prefix)
	logger.Infof("exported %d files to %s", len(files), location)
	return location, nil
}

func (s *S3Exporter) ListObjects(ctx context.Context, taskID string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.taskPrefix(taskID) + "/"),
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return objects, nil
}

// DeletePrefix removes every exported object of the task.
func (s *S3Exporter) DeletePrefix(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task id is required")
	}

	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.taskPrefix(taskID) + "/"),
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return fmt.Errorf("list objects for delete: %w", err)
		}

		if len(output.Contents) > 0 {
			identifiers := make([]types.ObjectIdentifier, 0, len(output.Contents))
			for _, obj := range output.Contents {
				identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
			}
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.cfg.Bucket),
				Delete: &types.Delete{
					Objects: identifiers,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("delete objects: %w", err)
			}
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		listInput.ContinuationToken = output.NextContinuationToken
	}

	s.cfg.Logger.WithField("task_id", taskID).Info("deleted exported objects")
	return nil
}

var _ Exporter = (*S3Exporter)(nil)

type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	return &progressReporter{
		total: total,
		cb:    cb,
	}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= 2*time.Second || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}

	return len(b), nil
}

func (p *progressReporter) report(done int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.lastFire = time.Now()
	p.cb(p.done, p.total)
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}
