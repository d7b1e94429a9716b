// Package pathutil guards file-system paths built from request input.
package pathutil

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Jellyfin item ids are compact GUIDs; some deployments emit dashed GUIDs.
	itemIDPattern = regexp.MustCompile(`^[0-9a-fA-F][0-9a-fA-F-]{7,63}$`)

	// Segment files are produced by the transcode worker with a fixed
	// numbered naming scheme. Anything else never touches the disk.
	segmentPattern = regexp.MustCompile(`^seg_\d{5}\.ts$`)
)

// ValidItemID reports whether id looks like an upstream catalog identifier.
// Identifiers are used as cache directory names, so the shape check doubles
// as traversal defense.
func ValidItemID(id string) bool {
	return itemIDPattern.MatchString(id)
}

// ValidSegmentName reports whether name matches the worker's numbered
// segment naming scheme.
func ValidSegmentName(name string) bool {
	return segmentPattern.MatchString(name)
}

// SecureJoin safely joins a root directory with a user-provided path component.
// It prevents path traversal attacks by ensuring the result stays within root.
func SecureJoin(root, userPath string) (string, error) {
	cleaned := filepath.Clean(userPath)

	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", userPath)
	}

	if strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("path traversal not allowed: %q", userPath)
	}

	full := filepath.Join(root, cleaned)

	// Ensure result is within root (defense in depth)
	rootClean := filepath.Clean(root) + string(filepath.Separator)
	fullClean := filepath.Clean(full) + string(filepath.Separator)
	if !strings.HasPrefix(fullClean, rootClean) {
		return "", fmt.Errorf("path escapes root directory: %q", userPath)
	}

	return full, nil
}
