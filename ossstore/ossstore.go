package ossstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"

	"tenderscan/domain"
	"tenderscan/obs"
)

// putter is the slice of *oss.Bucket the archive needs.
type putter interface {
	PutObjectFromFile(objectKey, filePath string, options ...oss.Option) error
}

// Store copies files that failed to scan into an OSS bucket for manual follow-up.
type Store struct {
	bucketName string
	bucket     putter
	cred       credentials.Credential
	prefix     string
	log        *slog.Logger
}

// NewFromEnv returns (nil, false, nil) when OSS_BUCKET is unset.
func NewFromEnv(log *slog.Logger) (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	endpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	}
	if endpoint == "" {
		return nil, true, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC is missing")
	}

	prefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_PREFIX")), "/")
	if prefix == "" {
		prefix = "failed-files"
	}

	cred, err := newAlibabaCredential(region)
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// fail early: with empty keys the SDK sends anonymous requests and gets a misleading 403
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	client, err := newOSSClient(endpoint, region, &credentialsProvider{cred: cred})
	if err != nil {
		return nil, true, fmt.Errorf("init oss client failed: %w", err)
	}
	b, err := client.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket failed: %w", err)
	}

	return &Store{
		bucketName: bucket,
		bucket:     b,
		cred:       cred,
		prefix:     prefix,
		log:        obs.Or(log),
	}, true, nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if region != "" {
		opts = append(opts, oss.Region(region))
	}
	// keys stay empty, the provider supplies them
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.bucket != nil }

// ObjectKey is "{prefix}/{registry}_{id}/{basename}".
func (s *Store) ObjectKey(k domain.TenderKey, localPath string) string {
	name := path.Base(strings.ReplaceAll(filepath.ToSlash(localPath), "\\", "/"))
	return path.Join(s.prefix, k.String(), name)
}

func (s *Store) PutFileFromPath(objectKey, localPath string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if s.cred != nil {
		if err := validateAlibabaCredential(s.cred); err != nil {
			return err
		}
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" || strings.TrimSpace(localPath) == "" {
		return errors.New("invalid objectKey/localPath")
	}
	return s.bucket.PutObjectFromFile(objectKey, localPath)
}

// ArchiveFailed uploads every failed file that still exists on disk.
// Upload errors are logged and swallowed; it returns the number uploaded.
func (s *Store) ArchiveFailed(ctx context.Context, k domain.TenderKey, files []domain.FailedFile) int {
	if !s.Enabled() {
		return 0
	}
	log := obs.Or(s.log)
	n := 0
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if f.Path == "" {
			continue
		}
		if _, err := os.Stat(f.Path); err != nil {
			continue
		}
		key := s.ObjectKey(k, f.Path)
		if err := s.PutFileFromPath(key, f.Path); err != nil {
			log.Warn("failed-file upload failed", "tender", k.String(), "file", f.Path, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Info("failed files archived", "tender", k.String(), "bucket", s.bucketName, "count", n)
	}
	return n
}
