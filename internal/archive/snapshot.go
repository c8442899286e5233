package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"fundingarb-core/pkg/db"
)

// minPartSize mirrors S3's minimum multipart upload part size (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Snapshotter periodically VACUUMs the shared database into a temp file
// and uploads it to the configured bucket under snapshots/<prefix>.
type Snapshotter struct {
	client   *Client
	db       *db.Database
	prefix   string
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewSnapshotter builds a Snapshotter. prefix namespaces snapshot keys,
// typically the deployment or account identifier.
func NewSnapshotter(client *Client, database *db.Database, prefix string, interval time.Duration, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Snapshotter{client: client, db: database, prefix: prefix, interval: interval, log: logger.Sugar()}
}

// Run blocks, taking a snapshot immediately and then every interval, until
// ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.SnapshotOnce(ctx); err != nil {
		s.log.Warnw("initial snapshot failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SnapshotOnce(ctx); err != nil {
				s.log.Warnw("periodic snapshot failed", "err", err)
			}
		}
	}
}

// SnapshotOnce takes a single VACUUM INTO snapshot and uploads it.
func (s *Snapshotter) SnapshotOnce(ctx context.Context) error {
	tmpDir, err := os.MkdirTemp("", "fundingarb-snapshot-")
	if err != nil {
		return fmt.Errorf("archive: mkdir temp: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, "snapshot.db")
	if err := s.db.VacuumInto(tmpPath); err != nil {
		return fmt.Errorf("archive: vacuum into: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("archive: open snapshot file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat snapshot file: %w", err)
	}

	key := s.objectKey(time.Now())
	uploader := manager.NewUploader(s.client.s3, func(u *manager.Uploader) {
		u.PartSize = minPartSize
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.client.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		return fmt.Errorf("archive: upload snapshot %s: %w", key, err)
	}

	if err := s.db.InsertAuditLog(ctx, s.prefix, "DB_SNAPSHOT", fmt.Sprintf("key=%s size=%d", key, info.Size())); err != nil {
		s.log.Warnw("snapshot audit log write failed", "err", err)
	}
	s.log.Infow("database snapshot uploaded", "key", key, "size_bytes", info.Size())
	return nil
}

func (s *Snapshotter) objectKey(t time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s.db", s.prefix, t.UTC().Format("2006-01-02T15-04-05Z"))
}
