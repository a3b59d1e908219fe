package swe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPathEscape is returned for artifact paths that resolve outside the
// output root.
var ErrPathEscape = errors.New("artifact path escapes output root")

// Artifact describes one written file.
type Artifact struct {
	// Path is slash-separated and relative to the output root.
	Path string `json:"path"`
	Size int    `json:"size"`
}

// ArtifactStore writes generated files under Root. Paths are interpreted
// relative to Root even when they start with "/", and any path that would
// leave Root is rejected.
//
// Writes are atomic per file: content goes to a temp file in the target
// directory which is then renamed over the destination.
type ArtifactStore struct {
	Root string

	mu sync.Mutex
}

// NewArtifactStore creates a store rooted at root ("output" when empty).
func NewArtifactStore(root string) *ArtifactStore {
	if root == "" {
		root = "output"
	}
	return &ArtifactStore{Root: root}
}

// Resolve validates rel and returns its cleaned relative form and the
// absolute filesystem path.
func (s *ArtifactStore) Resolve(rel string) (string, string, error) {
	clean := strings.TrimLeft(filepath.ToSlash(strings.TrimSpace(rel)), "/")
	clean = strings.TrimPrefix(clean, "./")
	if clean == "" || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	clean = filepath.ToSlash(filepath.Clean(filepath.FromSlash(clean)))
	return clean, filepath.Join(s.Root, filepath.FromSlash(clean)), nil
}

// Write stores content at rel and returns the artifact record.
func (s *ArtifactStore) Write(rel, content string) (Artifact, error) {
	clean, dest, err := s.Resolve(rel)
	if err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("failed to set artifact mode: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return Artifact{}, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return Artifact{Path: clean, Size: len(content)}, nil
}

// Read returns the content stored at rel.
func (s *ArtifactStore) Read(rel string) (string, error) {
	_, path, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StructureUpdate returns a project_structure_json update recording the
// given artifacts. Keys are full relative paths so that union merging
// never drops a sibling entry.
func StructureUpdate(artifacts ...Artifact) map[string]any {
	out := make(map[string]any, len(artifacts))
	for _, a := range artifacts {
		out[a.Path] = map[string]any{"size": a.Size}
	}
	return out
}

// Slug turns a display name into a path segment: lower case, spaces and
// path separators replaced by underscores.
func Slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	r := strings.NewReplacer(" ", "_", "/", "_", "\\", "_", "..", "_")
	name = r.Replace(name)
	if name == "" {
		return "untitled"
	}
	return name
}
