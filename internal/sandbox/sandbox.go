// Package sandbox provides path-safety validation for manifest-supplied
// relative paths.
package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var safeRelativePathChars = regexp.MustCompile(`^[A-Za-z0-9_\-./]+$`)

// ValidateSafeRelativePath checks that path is a relative path containing
// no ".." segments, no null bytes, and no character outside
// [A-Za-z0-9_-./]. It is used to validate plugin manifest "main" entries
// and any other manifest-supplied path before it is joined onto a base
// directory.
func ValidateSafeRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("sandbox: path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("sandbox: path %q contains a null byte", path)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("sandbox: path %q must be relative", path)
	}
	if !safeRelativePathChars.MatchString(path) {
		return fmt.Errorf("sandbox: path %q contains disallowed characters", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("sandbox: path %q contains a %q segment", path, "..")
		}
	}
	return nil
}
