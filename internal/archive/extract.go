// Package archive installs compressed tar archives into a data root.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/dsmanager/internal/safety"
)

// DefaultProgressInterval bounds how often extraction progress is reported.
const DefaultProgressInterval = 250 * time.Millisecond

// Format is the compression layer wrapping the tar stream.
type Format string

const (
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
	FormatXZ   Format = "xz"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXZ   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// ErrUnknownFormat is returned for archives that are not gzip, zstd or xz.
var ErrUnknownFormat = errors.New("unrecognized archive compression")

// ErrUnsupportedEntry is returned for tar entries other than regular files
// and directories. Links are never created under the data root.
var ErrUnsupportedEntry = errors.New("unsupported tar entry type")

// Options configures an Installer.
type Options struct {
	// StagingRoot, when set, makes Extract unpack into a fresh
	// staging-<id> directory beneath it and move files into the destination
	// only after the whole archive decoded. It should share a filesystem with
	// the destination.
	StagingRoot      string
	ProgressInterval time.Duration
}

// Installer extracts dataset archives.
type Installer struct {
	logger      *slog.Logger
	stagingRoot string
	interval    time.Duration
}

// NewInstaller creates an Installer.
func NewInstaller(logger *slog.Logger, opts Options) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Installer{
		logger:      logger,
		stagingRoot: opts.StagingRoot,
		interval:    opts.ProgressInterval,
	}
}

// DetectFormat sniffs the compression format from the first bytes of path.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, len(magicXZ))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading archive header: %w", err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd, nil
	case bytes.HasPrefix(head, magicXZ):
		return FormatXZ, nil
	}
	return "", fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

// Extract unpacks archivePath under destRoot. onProgress receives the share
// of the compressed file consumed so far, in percent, at most once per
// progress interval and a final 100 on success. Without staging a failed
// extraction leaves whatever files were already written.
func (i *Installer) Extract(archivePath, destRoot string, onProgress func(percent float64)) error {
	if i.stagingRoot == "" {
		files, err := i.extractInto(archivePath, destRoot, onProgress)
		if err != nil {
			return err
		}
		i.logger.Info("archive extracted", "archive", archivePath, "dest", destRoot, "files", files)
		return nil
	}

	stage := filepath.Join(i.stagingRoot, "staging-"+uuid.NewString())
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stage); err != nil {
			i.logger.Warn("failed to remove staging directory", "path", stage, "error", err)
		}
	}()

	files, err := i.extractInto(archivePath, stage, onProgress)
	if err != nil {
		return err
	}
	if err := promote(stage, destRoot); err != nil {
		return fmt.Errorf("moving staged files into %s: %w", destRoot, err)
	}
	i.logger.Info("archive extracted", "archive", archivePath, "dest", destRoot, "files", files, "staged", true)
	return nil
}

func (i *Installer) extractInto(archivePath, destRoot string, onProgress func(float64)) (int, error) {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}

	cr := &countingReader{
		reader:   f,
		size:     fi.Size(),
		callback: onProgress,
		interval: i.interval,
		lastEmit: time.Now(),
	}

	var stream io.Reader
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(cr)
		if err != nil {
			return 0, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gz.Close()
		stream = gz
	case FormatZstd:
		zr, err := zstd.NewReader(cr)
		if err != nil {
			return 0, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		stream = zr
	case FormatXZ:
		xr, err := xz.NewReader(cr)
		if err != nil {
			return 0, fmt.Errorf("creating xz reader: %w", err)
		}
		stream = xr
	}

	tr := tar.NewReader(stream)
	extracted := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("reading tar entry: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir, tar.TypeXGlobalHeader:
			continue
		case tar.TypeReg:
		default:
			return extracted, fmt.Errorf("%w for %s: %c", ErrUnsupportedEntry, header.Name, header.Typeflag)
		}

		destPath, err := safety.SafeJoinUnder(destRoot, header.Name)
		if err != nil {
			return extracted, fmt.Errorf("unsafe path in archive %q: %w", header.Name, err)
		}
		if err := writeEntry(destPath, tr, fs.FileMode(header.Mode).Perm()); err != nil {
			return extracted, fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		extracted++
	}

	cr.finish()
	return extracted, nil
}

func writeEntry(destPath string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// promote moves every regular file under stage to the same relative path
// under destRoot, replacing existing files.
func promote(stage, destRoot string) error {
	return filepath.WalkDir(stage, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stage, path)
		if err != nil {
			return err
		}
		dest, err := safety.SafeJoinUnder(destRoot, rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.Rename(path, dest); err != nil {
			return moveByCopy(path, dest)
		}
		return nil
	})
}

// moveByCopy covers staging roots on a different filesystem.
func moveByCopy(src, dest string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := writeEntry(dest, in, fi.Mode().Perm()); err != nil {
		return err
	}
	return os.Remove(src)
}

// countingReader tracks compressed bytes consumed and reports throttled
// progress against the archive size on disk.
type countingReader struct {
	reader   io.Reader
	read     int64
	size     int64
	callback func(float64)
	interval time.Duration
	lastEmit time.Time
	lastPct  float64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	if n > 0 {
		cr.read += int64(n)
		if now := time.Now(); now.Sub(cr.lastEmit) >= cr.interval {
			cr.lastEmit = now
			cr.emit(cr.percent())
		}
	}
	return n, err
}

func (cr *countingReader) percent() float64 {
	if cr.size <= 0 {
		return 0
	}
	pct := float64(cr.read) / float64(cr.size) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (cr *countingReader) finish() {
	cr.emit(100)
}

func (cr *countingReader) emit(pct float64) {
	if cr.callback == nil || pct < cr.lastPct {
		return
	}
	cr.lastPct = pct
	cr.callback(pct)
}
