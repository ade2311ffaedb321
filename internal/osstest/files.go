package osstest

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
)

// WriteRandomFile creates a file of the given size with random content in dir and returns
// its path and content.
func WriteRandomFile(t testing.TB, dir, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate content: %s", err)
	}

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("create dir: %s", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write file: %s", err)
	}
	return path, data
}

// FileChecker allows chaining multiple checks on a file path.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs all checks and returns every failure.
func (fc *FileChecker) Check() error {
	var result *multierror.Error
	for _, check := range fc.Checks {
		if err := check(fc.Path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// Size adds a check that the file has exactly size bytes.
func (fc *FileChecker) Size(size int64) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() != size {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, size, info.Size())
		}
		return nil
	})
	return fc
}

// Content adds a check that the file has exactly the given content.
func (fc *FileChecker) Content(content []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, content) {
			return fmt.Errorf("content mismatch for %s: want %d bytes got %d bytes", path, len(content), len(got))
		}
		return nil
	})
	return fc
}
