package files

import (
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectContentType sniffs the content type of a local file:// URI. Only files below root are
// read; an empty root disables detection. It returns an empty string for remote URIs, for
// files outside root and for files that can't be read.
func DetectContentType(root, uri string) string {
	if root == "" {
		return ""
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return ""
	}
	if u.Host != "" && u.Host != "localhost" {
		return ""
	}

	path, ok := resolveBelow(root, u.Path)
	if !ok {
		return ""
	}

	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}

	// "text/plain; charset=utf-8" -> "text/plain"
	mediaType, _, err := mime.ParseMediaType(m.String())
	if err != nil {
		return m.String()
	}
	return mediaType
}

// resolveBelow resolves symlinks in path and reports whether the result lies below root.
func resolveBelow(root, path string) (string, bool) {
	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}
