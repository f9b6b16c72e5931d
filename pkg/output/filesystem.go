package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ratchet/pkg/models"
	"ratchet/pkg/taskerr"
	"ratchet/pkg/validation"
)

// maxBackupsPerTarget caps rotated .backup files for one path.
const maxBackupsPerTarget = 3

// FilesystemDestination writes formatted output to a templated path with
// atomic rename semantics.
type FilesystemDestination struct {
	cfg models.OutputDestination
}

// NewFilesystemDestination creates the destination from its config.
func NewFilesystemDestination(cfg models.OutputDestination) *FilesystemDestination {
	return &FilesystemDestination{cfg: cfg}
}

func (d *FilesystemDestination) Type() string { return "filesystem" }

// Validate checks the configuration without touching the filesystem.
func (d *FilesystemDestination) Validate() error {
	if d.cfg.Path == "" {
		return taskerr.New(taskerr.KindConfig, "filesystem destination requires a path")
	}
	// Template placeholders are validated post-render; the static parts
	// must already be safe.
	stripped := strings.NewReplacer("{{", "", "}}", "").Replace(d.cfg.Path)
	if err := validation.ValidateSafePath(stripped, ""); err != nil {
		return err
	}
	if d.cfg.Format != "" && !strings.HasPrefix(d.cfg.Format, formatTemplatePfx) {
		switch d.cfg.Format {
		case FormatJSON, FormatJSONCompact, FormatYAML, FormatCSV, FormatRaw:
		default:
			return taskerr.New(taskerr.KindConfig, "unknown output format %q", d.cfg.Format)
		}
	}
	return nil
}

// Deliver renders the path, formats the payload and writes it atomically.
func (d *FilesystemDestination) Deliver(ctx context.Context, out *TaskOutput, dctx *DeliveryContext) *DeliveryResult {
	started := time.Now()
	result := &DeliveryResult{Destination: d.Type()}

	path, err := dctx.Render(d.cfg.Path)
	if err != nil {
		result.Error = err
		return result
	}
	result.Target = path

	if err := validation.ValidateSafePath(path, ""); err != nil {
		result.Error = err
		return result
	}
	path = filepath.FromSlash(strings.ReplaceAll(path, "\\", "/"))

	data, err := FormatOutput(d.cfg.Format, out.Output)
	if err != nil {
		result.Error = err
		return result
	}

	if d.cfg.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			result.Error = taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to create parent directories")
			return result
		}
	}

	if _, err := os.Stat(path); err == nil {
		switch {
		case d.cfg.BackupExisting:
			if err := d.backup(path); err != nil {
				result.Error = err
				return result
			}
		case d.cfg.Overwrite:
			// Replaced by the atomic rename below.
		default:
			result.Error = taskerr.New(taskerr.KindIoFilesystem, "target %s already exists", path)
			return result
		}
	}

	// Write-then-rename keeps readers from ever seeing a partial file.
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		result.Error = taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to write %s", tmp)
		return result
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		result.Error = taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to move %s into place", tmp)
		return result
	}

	if d.cfg.Permissions != 0 {
		// Plain chmod on Unix. On Windows only the owner-write bit is
		// honoured: absent, it sets the file's read-only attribute.
		if err := os.Chmod(path, os.FileMode(d.cfg.Permissions)); err != nil {
			result.Error = taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to set permissions on %s", path)
			return result
		}
	}

	result.Success = true
	result.SizeBytes = int64(len(data))
	result.Duration = time.Since(started)
	info := fmt.Sprintf("wrote %d bytes", len(data))
	result.ResponseInfo = info
	return result
}

// backup copies the existing file aside with a UTC stamp, keeping at
// most maxBackupsPerTarget rotated copies.
func (d *FilesystemDestination) backup(path string) error {
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	backupPath := fmt.Sprintf("%s.backup.%s", path, stamp)

	data, err := os.ReadFile(path)
	if err != nil {
		return taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to read %s for backup", path)
	}
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to write backup %s", backupPath)
	}

	matches, err := filepath.Glob(path + ".backup.*")
	if err != nil || len(matches) <= maxBackupsPerTarget {
		return nil
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-maxBackupsPerTarget] {
		_ = os.Remove(stale)
	}
	return nil
}
