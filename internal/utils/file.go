package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	_ "github.com/viant/afsc/s3"
)

// FileSystem resolves local paths and remote URLs (file://, s3://, ...)
var FileSystem = afs.New()

// ReadURL reads the whole object behind a path or URL
func ReadURL(ctx context.Context, location string) (data []byte, err error) {
	reader, err := FileSystem.OpenURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()

	data, err = io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return data, nil
}

// Exists reports whether a path or URL points to an existing object
func Exists(ctx context.Context, location string) (bool, error) {
	return FileSystem.Exists(ctx, location)
}

// IsRemote reports whether location uses a non-file scheme
func IsRemote(location string) bool {
	i := strings.Index(location, "://")
	if i <= 0 {
		return false
	}
	return !strings.EqualFold(location[:i], "file")
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lower-case file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an extension the grader can decode
func IsImageFile(filename string) bool {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg", "png", "webp":
		return true
	default:
		return false
	}
}

// ListImageFiles recursively lists all image files in a directory
func ListImageFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}

		return nil
	})

	return files, err
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	return strings.Trim(result, " .")
}

// SnapshotFilename names the file for intermediate number index, e.g.
// "002_squared.png"
func SnapshotFilename(index int, name, format string) string {
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("%03d_%s.%s", index, name, format)
}

// OutputDirFor returns a per-image directory under root
func OutputDirFor(root, inputFile string) string {
	base := filepath.Base(inputFile)
	return filepath.Join(root, SanitizeFilename(strings.TrimSuffix(base, filepath.Ext(base))))
}
