package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store keeps generated and uploaded images on disk under a media root.
// Stored paths are relative to the root so the database stays portable.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("media root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: root}, nil
}

// SaveImage writes image bytes under a generated filename and returns the
// relative path. The extension is derived from the mime type, .png when
// undeterminable.
func (s *Store) SaveImage(subdir, filenameBase string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("image data is empty")
	}
	name := fmt.Sprintf("%s_%d_%s%s",
		sanitizeBase(filenameBase),
		time.Now().Unix(),
		uuid.NewString()[:8],
		ExtensionForMime(mimeType),
	)
	rel := filepath.Join(subdir, name)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create media subdir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Read returns the bytes of a stored image by its relative path.
func (s *Store) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(s.AbsPath(rel))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", rel, err)
	}
	return data, nil
}

func (s *Store) AbsPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Store) Root() string {
	return s.root
}

// URL maps a stored relative path to its public media URL.
func (s *Store) URL(rel string) string {
	if rel == "" {
		return ""
	}
	return "/media/" + filepath.ToSlash(rel)
}

// ExtensionForMime picks a file extension for a response mime type.
func ExtensionForMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

func sanitizeBase(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return "image"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
