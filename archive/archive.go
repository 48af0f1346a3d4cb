// Package archive handles off-season database rotation: once a month
// the database file is uploaded to object storage and moved aside so
// the service starts the next month with a fresh file.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sbma44/treelemetry/errors"
)

const componentName = "archive"

// FileUploader puts a local file into object storage
type FileUploader interface {
	UploadFile(ctx context.Context, key, path string) error
}

// Config holds the archival trigger and naming settings
type Config struct {
	// DayOfMonth and Hour define the archival window: the archive
	// runs in the first check that lands on that day and hour.
	DayOfMonth int
	Hour       int

	// Prefix is prepended to the object key, e.g. "backups/"
	Prefix string
}

// Deps holds the runtime dependencies for the manager
type Deps struct {
	Uploader FileUploader
	Logger   *slog.Logger
}

type yearMonth struct {
	year  int
	month time.Month
}

// Manager decides when a monthly archive is due and performs it. The
// already-archived marker is held in memory only; a restart inside
// the archival window repeats the upload, which overwrites the same
// object key and is harmless.
type Manager struct {
	cfg      Config
	uploader FileUploader
	logger   *slog.Logger

	lastArchived *yearMonth
}

// New creates an archive manager
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Uploader == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "uploader is required")
	}
	if cfg.DayOfMonth < 1 || cfg.DayOfMonth > 31 {
		return nil, errors.WrapFatal(
			fmt.Errorf("day of month %d out of range", cfg.DayOfMonth),
			componentName, "New", "config validation")
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, errors.WrapFatal(
			fmt.Errorf("hour %d out of range", cfg.Hour),
			componentName, "New", "config validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:      cfg,
		uploader: deps.Uploader,
		logger:   logger.With("component", componentName),
	}, nil
}

// Due reports whether an archive should run at the given time: the
// configured day and hour, at most once per calendar month.
func (m *Manager) Due(now time.Time) bool {
	if now.Day() != m.cfg.DayOfMonth || now.Hour() != m.cfg.Hour {
		return false
	}
	current := yearMonth{year: now.Year(), month: now.Month()}
	return m.lastArchived == nil || *m.lastArchived != current
}

// backupName returns the object file name for the month, e.g.
// "mqtt_logs_backup_2026-01.db".
func backupName(now time.Time) string {
	return fmt.Sprintf("mqtt_logs_backup_%s.db", now.Format("2006-01"))
}

// Archive uploads the database file and moves it into an archive
// subdirectory next to it. The caller must close the store before
// calling this and reopen it afterwards; the original path is then
// free for a fresh database. Returns the local archive path.
func (m *Manager) Archive(ctx context.Context, dbPath string, now time.Time) (string, error) {
	info, err := os.Stat(dbPath)
	if err != nil {
		return "", errors.WrapFatal(err, componentName, "Archive", "stat database file")
	}

	name := backupName(now)
	key := m.cfg.Prefix + name

	m.logger.Info("starting monthly archive",
		"key", key,
		"size_bytes", info.Size(),
	)

	if err := m.uploader.UploadFile(ctx, key, dbPath); err != nil {
		return "", err
	}

	archiveDir := filepath.Join(filepath.Dir(dbPath), "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", errors.WrapFatal(err, componentName, "Archive", "create archive directory")
	}

	archivePath := filepath.Join(archiveDir, name)
	if err := os.Rename(dbPath, archivePath); err != nil {
		return "", errors.WrapFatal(err, componentName, "Archive", "move database file")
	}

	m.lastArchived = &yearMonth{year: now.Year(), month: now.Month()}

	m.logger.Info("monthly archive complete",
		"key", key,
		"local_path", archivePath,
	)
	return archivePath, nil
}
