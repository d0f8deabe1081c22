package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualtrader/arena/internal/config"
)

type memStore struct {
	objects map[string][]byte
	deleted []string
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader) error {
	if m.failPut {
		return fmt.Errorf("upload refused")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type fileSnapshotter struct {
	content []byte
	err     error
}

func (f *fileSnapshotter) SnapshotTo(destPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(destPath, f.content, 0644)
}

func testConfig() config.BackupConfig {
	return config.BackupConfig{
		Enabled:       true,
		Bucket:        "arena-backups",
		Prefix:        "arena-backup",
		RetentionDays: 30,
	}
}

func TestBackupUploadsCompressedSnapshot(t *testing.T) {
	store := newMemStore()
	content := []byte("SQLite format 3\x00 payload payload payload")
	svc := NewBackupService(&fileSnapshotter{content: content}, store, testConfig(), zerolog.Nop())

	require.NoError(t, svc.Backup(context.Background()))
	require.Len(t, store.objects, 1)

	for key, data := range store.objects {
		assert.True(t, strings.HasPrefix(key, "arena-backup/arena-"))
		assert.True(t, strings.HasSuffix(key, ".db.gz"))

		gz, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		restored, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, content, restored, "snapshot round-trips through gzip")
	}
}

func TestBackupFailsWhenSnapshotFails(t *testing.T) {
	store := newMemStore()
	svc := NewBackupService(&fileSnapshotter{err: fmt.Errorf("disk full")}, store, testConfig(), zerolog.Nop())

	err := svc.Backup(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, store.objects)
}

func TestBackupSurvivesRotationButNotUploadFailure(t *testing.T) {
	store := newMemStore()
	store.failPut = true
	svc := NewBackupService(&fileSnapshotter{content: []byte("x")}, store, testConfig(), zerolog.Nop())

	err := svc.Backup(context.Background())
	assert.ErrorContains(t, err, "upload refused")
}

func seedBackup(store *memStore, cfg config.BackupConfig, ts time.Time) string {
	key := fmt.Sprintf("%s/arena-%s.db.gz", cfg.Prefix, ts.Format(backupTimeLayout))
	store.objects[key] = []byte("backup")
	return key
}

func TestRotateKeepsMinimumAndRecentBackups(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.RetentionDays = 7

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Two ancient backups past retention, three recent ones.
	old1 := seedBackup(store, cfg, now.AddDate(0, 0, -40))
	old2 := seedBackup(store, cfg, now.AddDate(0, 0, -30))
	fresh1 := seedBackup(store, cfg, now.AddDate(0, 0, -3))
	fresh2 := seedBackup(store, cfg, now.AddDate(0, 0, -2))
	fresh3 := seedBackup(store, cfg, now.AddDate(0, 0, -1))

	svc := NewBackupService(&fileSnapshotter{}, store, cfg, zerolog.Nop())
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Rotate(context.Background()))

	assert.NotContains(t, store.objects, old1)
	assert.NotContains(t, store.objects, old2)
	assert.Contains(t, store.objects, fresh1)
	assert.Contains(t, store.objects, fresh2)
	assert.Contains(t, store.objects, fresh3)
}

func TestRotateKeepsNewestThreeEvenWhenStale(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.RetentionDays = 7

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for days := 50; days <= 52; days++ {
		seedBackup(store, cfg, now.AddDate(0, 0, -days))
	}

	svc := NewBackupService(&fileSnapshotter{}, store, cfg, zerolog.Nop())
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Len(t, store.objects, 3, "minimum retained regardless of age")
}

func TestRotateDisabledByZeroRetention(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.RetentionDays = 0

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for days := 1; days <= 10; days++ {
		seedBackup(store, cfg, now.AddDate(0, 0, -days*30))
	}

	svc := NewBackupService(&fileSnapshotter{}, store, cfg, zerolog.Nop())
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Len(t, store.objects, 10)
}

func TestListBackupsOrdersNewestFirstAndSkipsStrays(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedBackup(store, cfg, now.AddDate(0, 0, -2))
	seedBackup(store, cfg, now.AddDate(0, 0, -1))
	store.objects[cfg.Prefix+"/notes.txt"] = []byte("not a backup")

	svc := NewBackupService(&fileSnapshotter{}, store, cfg, zerolog.Nop())
	svc.now = func() time.Time { return now }

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
	assert.Equal(t, int64(24), backups[0].AgeHours)
}
