package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "gatekeeper-backup-"
	backupTimeLayout = "2006-01-02-150405"

	// Rotation never removes the newest archives even when Keep is
	// configured lower, a bad config must not wipe the bucket.
	minArchivesToKeep = 3
)

// objectStore is the subset of R2Client the backup service needs
type objectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// auditDatabase produces a consistent snapshot of the history database
type auditDatabase interface {
	Name() string
	BackupTo(destPath string) error
}

// ArchiveMetadata describes one backup archive, stored as metadata.json
// inside the archive itself.
type ArchiveMetadata struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Hostname  string         `json:"hostname"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes one file inside a backup archive
type FileMetadata struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// BackupService creates tar.gz archives of the symbol cache and audit
// database and ships them to an object store.
type BackupService struct {
	store     objectStore
	audit     auditDatabase
	cachePath string
	stageDir  string
	log       zerolog.Logger
	now       func() time.Time
}

// NewBackupService creates a backup service. cachePath is the on-disk
// symbol cache JSON file, stageDir is scratch space for building archives.
func NewBackupService(store objectStore, audit auditDatabase, cachePath, stageDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:     store,
		audit:     audit,
		cachePath: cachePath,
		stageDir:  stageDir,
		log:       log.With().Str("component", "backup").Logger(),
		now:       time.Now,
	}
}

// CreateAndUploadBackup stages the cache file and a consistent snapshot of
// the audit database, archives them with metadata, and uploads the archive.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	start := s.now().UTC()
	staging := filepath.Join(s.stageDir, fmt.Sprintf("stage-%d", start.UnixNano()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	meta := ArchiveMetadata{
		ID:        uuid.New().String(),
		CreatedAt: start,
	}
	if host, err := os.Hostname(); err == nil {
		meta.Hostname = host
	}

	// Cache file is copied as-is, the store writes it atomically so a
	// plain copy is always a complete snapshot.
	cacheName := filepath.Base(s.cachePath)
	if err := copyFile(s.cachePath, filepath.Join(staging, cacheName)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stage cache file: %w", err)
		}
		s.log.Warn().Str("path", s.cachePath).Msg("Cache file missing, backing up audit database only")
	} else {
		fm, err := fileMetadata(filepath.Join(staging, cacheName))
		if err != nil {
			return err
		}
		meta.Files = append(meta.Files, fm)
	}

	if s.audit != nil {
		dbName := s.audit.Name() + ".db"
		dbDest := filepath.Join(staging, dbName)
		if err := s.audit.BackupTo(dbDest); err != nil {
			return fmt.Errorf("failed to snapshot audit database: %w", err)
		}
		fm, err := fileMetadata(dbDest)
		if err != nil {
			return err
		}
		meta.Files = append(meta.Files, fm)
	}

	if len(meta.Files) == 0 {
		return fmt.Errorf("nothing to back up")
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "metadata.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}

	archiveName := backupPrefix + start.Format(backupTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(s.stageDir, archiveName)
	if err := buildArchive(staging, archivePath); err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}
	defer os.Remove(archivePath)

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if err := s.store.Upload(ctx, archiveName, f); err != nil {
		return err
	}

	s.log.Info().
		Str("archive", archiveName).
		Int("files", len(meta.Files)).
		Dur("elapsed", s.now().Sub(start)).
		Msg("Backup uploaded")
	return nil
}

// RotateOldBackups deletes archives beyond keep, newest first. A floor of
// minArchivesToKeep is always enforced.
func (s *BackupService) RotateOldBackups(ctx context.Context, keep int) error {
	if keep < minArchivesToKeep {
		keep = minArchivesToKeep
	}

	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return err
	}

	type dated struct {
		key string
		ts  time.Time
	}
	var archives []dated
	for _, obj := range objects {
		ts, ok := parseArchiveTime(obj.Key)
		if !ok {
			continue
		}
		archives = append(archives, dated{key: obj.Key, ts: ts})
	}

	if len(archives) <= keep {
		return nil
	}

	// Newest first
	sort.Slice(archives, func(i, j int) bool { return archives[i].ts.After(archives[j].ts) })

	var failed int
	for _, old := range archives[keep:] {
		if err := s.store.Delete(ctx, old.key); err != nil {
			s.log.Warn().Err(err).Str("key", old.key).Msg("Failed to delete old backup")
			failed++
			continue
		}
		s.log.Info().Str("key", old.key).Msg("Deleted old backup")
	}
	if failed > 0 {
		return fmt.Errorf("failed to delete %d old backups", failed)
	}
	return nil
}

func parseArchiveTime(key string) (time.Time, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), ".tar.gz")
	if name == key {
		return time.Time{}, false
	}
	ts, err := time.Parse(backupTimeLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func fileMetadata(path string) (FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	sum, err := checksumFile(path)
	if err != nil {
		return FileMetadata{}, err
	}
	return FileMetadata{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		Checksum: sum,
	}, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// buildArchive packs every regular file in dir into a tar.gz at dest
func buildArchive(dir, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = entry.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
