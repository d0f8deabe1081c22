package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/casualtrader/arena/internal/config"
)

// backupTimeLayout is embedded in object keys so rotation can order backups
// without extra metadata.
const backupTimeLayout = "2006-01-02-150405"

// minBackupsToKeep backups survive rotation regardless of age.
const minBackupsToKeep = 3

// Snapshotter writes a consistent copy of the live database to a path.
// *database.DB satisfies it.
type Snapshotter interface {
	SnapshotTo(destPath string) error
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots the database, compresses the snapshot and uploads
// it to object storage, then rotates old backups past the retention window.
type BackupService struct {
	db    Snapshotter
	store ObjectStore
	cfg   config.BackupConfig
	now   func() time.Time
	log   zerolog.Logger
}

// NewBackupService creates the backup service.
func NewBackupService(db Snapshotter, store ObjectStore, cfg config.BackupConfig, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:    db,
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   log.With().Str("service", "backup").Logger(),
	}
}

// Backup takes one snapshot, uploads it and rotates old backups. A rotation
// failure is logged but does not fail the backup: the new snapshot is
// already safe.
func (s *BackupService) Backup(ctx context.Context) error {
	start := s.now()
	s.log.Info().Msg("Starting backup")

	staging, err := os.MkdirTemp("", "arena-backup-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapPath := filepath.Join(staging, "snapshot.db")
	if err := s.db.SnapshotTo(snapPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	archivePath := filepath.Join(staging, "snapshot.db.gz")
	if err := compressFile(snapPath, archivePath); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}

	checksum, err := fileChecksum(archivePath)
	if err != nil {
		return fmt.Errorf("failed to checksum archive: %w", err)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	key := s.keyFor(start.UTC())
	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, key, archive); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Str("checksum", checksum).
		Dur("duration", s.now().Sub(start)).
		Msg("Backup uploaded")

	if err := s.Rotate(ctx); err != nil {
		s.log.Error().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// ListBackups returns stored backups, newest first. Objects under the prefix
// that do not look like backups are skipped.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, s.cfg.Prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	now := s.now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := s.parseKey(obj.Key)
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes backups older than the retention window. The newest
// minBackupsToKeep always survive; retention 0 keeps everything.
func (s *BackupService) Rotate(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Old backups rotated out")
	}
	return nil
}

func (s *BackupService) keyFor(t time.Time) string {
	return fmt.Sprintf("%s/arena-%s.db.gz", s.cfg.Prefix, t.Format(backupTimeLayout))
}

func (s *BackupService) parseKey(key string) (time.Time, bool) {
	name := strings.TrimPrefix(key, s.cfg.Prefix+"/")
	if !strings.HasPrefix(name, "arena-") || !strings.HasSuffix(name, ".db.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, "arena-"), ".db.gz")
	ts, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func compressFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	gz := gzip.NewWriter(dest)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	return gz.Close()
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
