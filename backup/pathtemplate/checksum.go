package pathtemplate

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// checksum returns a hex-encoded SHA-256 checksum of one or multiple files below dir. Each path can contain
// "doublestar" glob patterns (such as `**/go.sum`). The file list is sorted to produce consistent output.
// Errors are logged as warnings and an empty string is returned in that case.
func (m Model) checksum(dir string, paths ...string) string {
	evaluatedPaths := m.evaluateGlobPatterns(dir, paths)
	files := filterFilesOnly(evaluatedPaths)
	m.logger.Debugf("Files included in checksum:")
	for _, path := range files {
		m.logger.Debugf("- %s", path)
	}

	if len(files) == 0 {
		m.logger.Warnf("No files to include in the checksum")
		return ""
	} else if len(files) == 1 {
		checksum, err := checksumOfFile(files[0])
		if err != nil {
			m.logger.Warnf("Error while computing checksum %s: %s", files[0], err)
			return ""
		}
		return hex.EncodeToString(checksum)
	}

	finalChecksum := sha256.New()
	sort.Strings(files)
	for _, path := range files {
		checksum, err := checksumOfFile(path)
		if err != nil {
			m.logger.Warnf("Error while hashing %s: %s", path, err)
			continue
		}

		finalChecksum.Write(checksum)
	}

	return hex.EncodeToString(finalChecksum.Sum(nil))
}

func (m Model) evaluateGlobPatterns(dir string, paths []string) []string {
	var finalPaths []string

	for _, path := range paths {
		if !strings.Contains(path, "*") {
			finalPaths = append(finalPaths, filepath.Join(dir, path))
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(dir), path)
		if err != nil {
			m.logger.Warnf("Error in pattern '%s': %s", path, err)
			continue
		}
		if matches == nil {
			m.logger.Warnf("No match for pattern: %s", path)
			continue
		}
		for _, match := range matches {
			finalPaths = append(finalPaths, filepath.Join(dir, filepath.FromSlash(match)))
		}
	}

	return finalPaths
}

func checksumOfFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

func filterFilesOnly(paths []string) []string {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		files = append(files, path)
	}
	return files
}
