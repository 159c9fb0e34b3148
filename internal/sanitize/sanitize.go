// Package sanitize implements the pure sanitizer functions for bucket
// names, collection names, and filenames (spec.md §6), ported from
// original_source/backend/utils/sanitizers.py.
package sanitize

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	invalidBucketChars     = regexp.MustCompile(`[^a-z0-9.-]`)
	repeatedHyphenOrDot    = regexp.MustCompile(`-+`)
	invalidCollectionChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	repeatedUnderscore     = regexp.MustCompile(`_+`)
)

// BucketName sanitizes name into a MinIO-compatible bucket name: lowercase,
// [a-z0-9.-], 3-63 chars, begins/ends alphanumeric. Idempotent.
func BucketName(name string) string {
	s := strings.ToLower(name)
	s = invalidBucketChars.ReplaceAllString(s, "-")
	s = repeatedHyphenOrDot.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")

	if len(s) < 3 {
		s = strings.Trim(s+"-bucket", "-.")
	}
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-.")
	}
	return s
}

// CollectionName sanitizes name into a Milvus-compatible collection name:
// [A-Za-z0-9_], never starts with a digit. Idempotent.
func CollectionName(name string) string {
	s := invalidCollectionChars.ReplaceAllString(name, "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	s = repeatedUnderscore.ReplaceAllString(s, "_")
	if s == "" {
		return "_default"
	}
	return s
}

// Filename strips null bytes and path-traversal/absolute-path
// components from filename, rejoining the remaining components with
// "/". Returns an error if nothing safe remains.
func Filename(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}

	cleaned := strings.ReplaceAll(filename, "\x00", "")
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")

	parts := strings.Split(cleaned, "/")
	safe := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if strings.Contains(part, ":") { // drive letters, e.g. "C:"
			continue
		}
		safe = append(safe, part)
	}

	if len(safe) == 0 {
		return "", fmt.Errorf("filename %q contains only invalid path components", filename)
	}

	return path.Join(safe...), nil
}
