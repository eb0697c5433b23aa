package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NormalizeCatalogPath turns a catalog entry path into a clean, slash-separated
// relative path. Catalogs are authored on Windows, so backslashes are accepted
// as separators. Absolute paths, drive letters and parent traversal are rejected.
func NormalizeCatalogPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is empty")
	}

	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if len(slashed) >= 2 && slashed[1] == ':' {
		return "", fmt.Errorf("drive-qualified paths are not allowed: %q", p)
	}

	var parts []string
	for _, seg := range strings.Split(slashed, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("parent traversal is not allowed: %q", p)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("path resolves to current directory: %q", p)
	}
	return strings.Join(parts, "/"), nil
}

// ResolveUnderRoot maps a catalog path onto the filesystem below root and
// verifies the resulting absolute path does not escape it.
func ResolveUnderRoot(root, rel string) (string, error) {
	clean, err := NormalizeCatalogPath(rel)
	if err != nil {
		return "", err
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	full := filepath.Join(rootAbs, filepath.FromSlash(clean))

	back, err := filepath.Rel(rootAbs, full)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", rel)
	}
	return full, nil
}
