// Package diskimg stages the guest root filesystem and builds the GPT
// disk image the guest boots from.
package diskimg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fornax-os/vmtest/internal/hosttools"
)

const (
	// partOffset is where the data partition starts inside the image.
	partOffset = 1 << 20

	// gptBackupSectors is the secondary GPT at the end of the image
	// (header plus 32 entry sectors).
	gptBackupSectors = 33

	sectorSize = 512

	// ImageName is the disk image file name inside the staging dir.
	ImageName = "test-disk.img"
)

// rootfsDirs are created empty; the kernel mounts over some of them.
var rootfsDirs = []string{"tmp", "proc", "dev", "net", "home", "var"}

// etcFiles seeds the minimum /etc the init and login path need. The
// shell and home directory of root come from passwd.
var etcFiles = map[string]string{
	"fstab":  "# /etc/fstab - Fornax filesystem table\n# Root (/) and /dev/ are kernel-mounted\n",
	"passwd": "root:x:0:0:System Administrator:/:/bin/fsh\n",
	"shadow": "root:x\n",
	"group":  "root:x:0:root\nusers:x:100:\n",
}

// PrepareRootfs ensures rootfsDir has the /etc files and top-level
// directories a bootable root filesystem needs. Existing build output in
// the directory is left alone.
func PrepareRootfs(rootfsDir string) error {
	etcDir := filepath.Join(rootfsDir, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", etcDir, err)
	}
	for _, d := range rootfsDirs {
		if err := os.MkdirAll(filepath.Join(rootfsDir, d), 0o755); err != nil {
			return fmt.Errorf("creating rootfs dir %s: %w", d, err)
		}
	}
	for name, content := range etcFiles {
		path := filepath.Join(etcDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// CreateBlankImage writes a fully allocated zero image of sizeMiB
// mebibytes at path. The image is written chunk by chunk rather than
// truncated so the guest never sees a sparse file.
func CreateBlankImage(path string, sizeMiB int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}

	chunk := make([]byte, 1<<20)
	for i := 0; i < sizeMiB; i++ {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return fmt.Errorf("writing image: %w", err)
		}
	}
	return f.Close()
}

// Builder creates guest disk images using the host image tools.
type Builder struct {
	MkgptPath  string
	MkfxfsPath string
	Runner     *hosttools.Runner
	Logger     *slog.Logger
}

// PartitionSize returns the usable data partition size for an image of
// imageSize bytes: everything between the first MiB and the backup GPT.
func PartitionSize(imageSize int64) int64 {
	return imageSize - partOffset - gptBackupSectors*sectorSize
}

// Build creates a fresh disk image in stagingDir, partitions it, and
// formats the data partition populated from rootfsDir. It returns the
// image path.
func (b *Builder) Build(ctx context.Context, stagingDir, rootfsDir string, sizeMiB int) (string, error) {
	imgPath := filepath.Join(stagingDir, ImageName)

	b.Logger.Info("disk_image_creating", "path", imgPath, "size_mib", sizeMiB)
	if err := CreateBlankImage(imgPath, sizeMiB); err != nil {
		return "", err
	}

	b.Logger.Debug("disk_image_partitioning", "tool", b.MkgptPath)
	if _, err := b.Runner.RunChecked(ctx, []string{b.MkgptPath, imgPath}, ""); err != nil {
		return "", fmt.Errorf("partitioning image: %w", err)
	}

	info, err := os.Stat(imgPath)
	if err != nil {
		return "", err
	}
	partSize := PartitionSize(info.Size())
	if partSize <= 0 {
		return "", fmt.Errorf("image too small for a data partition: %d bytes", info.Size())
	}

	b.Logger.Debug("disk_image_formatting",
		"tool", b.MkfxfsPath,
		"offset", partOffset,
		"size", partSize)
	argv := []string{
		b.MkfxfsPath, imgPath,
		"--offset", strconv.FormatInt(partOffset, 10),
		"--size", strconv.FormatInt(partSize, 10),
		"--populate", rootfsDir,
	}
	if _, err := b.Runner.RunChecked(ctx, argv, ""); err != nil {
		return "", fmt.Errorf("formatting image: %w", err)
	}

	b.Logger.Info("disk_image_ready", "path", imgPath)
	return imgPath, nil
}
