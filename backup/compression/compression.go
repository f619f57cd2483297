package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Format is the archive container written for a backup job.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTarZstd Format = "tzst"
)

// ParseFormat ...
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatZip, "":
		return FormatZip, nil
	case FormatTarZstd, "tar.zst":
		return FormatTarZstd, nil
	}
	return "", fmt.Errorf("unknown archive format: %s", s)
}

// Extension is the file extension of archives in this format, without the leading dot.
func (f Format) Extension() string {
	if f == FormatTarZstd {
		return "tar.zst"
	}
	return "zip"
}

// ArchiveDependencyChecker ...
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker reports whether the tar and zstd binaries are installed.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar") && dc.checkDependency("zstd")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver packs a directory into a single archive file and unpacks it again.
type Archiver struct {
	logger                   log.Logger
	envRepo                  env.Repository
	archiveDependencyChecker ArchiveDependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, archiveDependencyChecker ArchiveDependencyChecker) *Archiver {
	return &Archiver{
		logger:                   logger,
		envRepo:                  envRepo,
		archiveDependencyChecker: archiveDependencyChecker,
	}
}

// Compress writes sourceDir into archivePath. Entry names are relative to the
// parent of sourceDir, so the archive holds a single top level directory.
// Paths matching one of the excludes (relative to sourceDir) are left out.
func (a *Archiver) Compress(archivePath, sourceDir string, format Format, excludes []string) error {
	sourceDir = filepath.Clean(sourceDir)
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", sourceDir)
	}
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid exclude pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
	}

	switch format {
	case FormatZip:
		err = a.compressZip(archivePath, sourceDir, excludes)
	case FormatTarZstd:
		if len(excludes) == 0 && a.archiveDependencyChecker.CheckDependencies() {
			a.logger.Debugf("Using installed zstd binary")
			err = a.compressWithBinary(archivePath, sourceDir)
		} else {
			err = a.compressTarZstd(archivePath, sourceDir, excludes)
		}
	default:
		return fmt.Errorf("unknown archive format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("compress files: %w", err)
	}
	return nil
}

// Decompress extracts archivePath into targetDir. No entry can be written
// outside targetDir, whatever its name or the symlinks in the archive.
func (a *Archiver) Decompress(archivePath string, format Format, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	var err error
	switch format {
	case FormatZip:
		err = a.decompressZip(archivePath, targetDir)
	case FormatTarZstd:
		err = a.decompressTarZstd(archivePath, targetDir)
	default:
		return fmt.Errorf("unknown archive format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("decompress files: %w", err)
	}
	return nil
}

type walkFunc func(path, name string, info fs.FileInfo) error

// walk visits sourceDir and everything below it that is not excluded. name is
// the slash separated entry name, directories end with a slash.
func (a *Archiver) walk(sourceDir string, excludes []string, fn walkFunc) error {
	parent := filepath.Dir(sourceDir)

	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != sourceDir {
			rel, err := filepath.Rel(sourceDir, path)
			if err != nil {
				return err
			}
			if excluded(filepath.ToSlash(rel), excludes) {
				a.logger.Debugf("Excluding %s", rel)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if info.IsDir() {
			name += "/"
		}

		return fn(path, name, info)
	})
}

// excluded matches rel against the patterns. A pattern without a slash also
// matches the base name at any depth.
func excluded(rel string, excludes []string) bool {
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}

	for _, pattern := range excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
		}
	}
	return false
}

func (a *Archiver) compressZip(archivePath, sourceDir string, excludes []string) (err error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	zw := zip.NewWriter(file)
	if err := a.walk(sourceDir, excludes, func(path, name string, info fs.FileInfo) error {
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = name

		switch {
		case info.IsDir():
			header.Method = zip.Store
			_, err := zw.CreateHeader(header)
			return err
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
			header.Method = zip.Store
			w, err := zw.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, link)
			return err
		case info.Mode().IsRegular():
			header.Method = zip.Deflate
			w, err := zw.CreateHeader(header)
			if err != nil {
				return err
			}
			return copyFile(w, path)
		}

		a.logger.Debugf("Skipping special file %s", path)
		return nil
	}); err != nil {
		return fmt.Errorf("iterate on files: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return nil
}

func (a *Archiver) compressTarZstd(archivePath, sourceDir string, excludes []string) (err error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	zstdWriter, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	if err := a.walk(sourceDir, excludes, func(path, name string, info fs.FileInfo) error {
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
			link = target
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = name

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar file header: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(tw, path)
	}); err != nil {
		zstdWriter.Close()
		return fmt.Errorf("iterate on files: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithBinary(archivePath, sourceDir string) error {
	cmdFactory := command.NewFactory(a.envRepo)

	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-c: Create archive
		-f: Output file
		-C: Archive entries relative to the parent of the source directory
	*/
	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0", // Use CPU count threads
		"-c",
		"-f", archivePath,
		"-C", filepath.Dir(sourceDir),
		filepath.Base(sourceDir),
	}

	cmd := cmdFactory.Create("tar", tarArgs, nil)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}

func (a *Archiver) decompressZip(archivePath, targetDir string) error {
	// A reader is still returned for entry names like "../x", which are
	// resolved under targetDir below.
	zr, err := zip.OpenReader(archivePath)
	if zr == nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if err != nil {
		a.logger.Warnf("Archive %s: %s", archivePath, err)
	}
	defer func() {
		if err := zr.Close(); err != nil {
			a.logger.Warnf("Failed to close archive: %s", err)
		}
	}()

	for _, f := range zr.File {
		target, err := securejoin.SecureJoin(targetDir, f.Name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.Name, err)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case mode&os.ModeSymlink != 0:
			link, err := readZipEntry(f)
			if err != nil {
				return err
			}
			if err := writeSymlink(link, target); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Archiver) decompressTarZstd(archivePath, targetDir string) error {
	compressedFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", archivePath, err)
	}
	defer func() {
		if err := compressedFile.Close(); err != nil {
			a.logger.Warnf("Failed to close archive: %s", err)
		}
	}()

	zr, err := zstd.NewReader(compressedFile)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target, err := securejoin.SecureJoin(targetDir, header.Name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(header.Linkname, target); err != nil {
				return err
			}
		default:
			a.logger.Debugf("Skipping unsupported entry %s", header.Name)
		}
	}
	return nil
}

// IsEmptyDir reports whether dir has no entries at all.
func IsEmptyDir(dir string) (bool, error) {
	file, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer file.Close()

	_, err = file.Readdirnames(1) // query only 1 child
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

func copyFile(w io.Writer, path string) error {
	data, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := io.Copy(w, data); err != nil {
		data.Close()
		return fmt.Errorf("copy file %s: %w", path, err)
	}
	return data.Close()
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create target directories: %w", err)
	}
	fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(fileToWrite, r); err != nil {
		fileToWrite.Close()
		return fmt.Errorf("copy content to file: %w", err)
	}
	// closed per file, a deferred close would keep every file open until the end
	if err := fileToWrite.Close(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func writeSymlink(link, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create target directories: %w", err)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	if err := os.Symlink(link, target); err != nil {
		return fmt.Errorf("symlink file: %w", err)
	}
	return nil
}

func readZipEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.Name, err)
	}
	return string(b), nil
}
