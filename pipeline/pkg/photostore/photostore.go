// Package photostore persists fetched place photos on local disk. Files are
// named <photo-uuid>.<ext>; when the directory is unavailable the pipeline
// falls back to keeping only the provider photo reference.
package photostore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no file exists for a photo ID.
var ErrNotFound = errors.New("photostore: photo file not found")

var extByMediaType = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// knownExts is the lookup order when the extension is not recorded.
var knownExts = []string{"jpg", "png", "webp", "gif"}

// Store writes and reads photo files under a single directory.
type Store struct {
	log *slog.Logger
	dir string
}

func New(log *slog.Logger, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("photo directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}
	return &Store{log: log, dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes the photo bytes and returns the stored file name.
func (s *Store) Save(id uuid.UUID, mediaType string, data []byte) (string, error) {
	ext, ok := extByMediaType[mediaType]
	if !ok {
		return "", fmt.Errorf("unsupported photo media type %q", mediaType)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("photo data is empty")
	}

	name := id.String() + "." + ext
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write photo file: %w", err)
	}
	return name, nil
}

// Read loads a photo by file name, or by probing known extensions when only
// the ID survived.
func (s *Store) Read(id uuid.UUID, fileName string) ([]byte, string, error) {
	names := []string{}
	if fileName != "" {
		names = append(names, fileName)
	}
	for _, ext := range knownExts {
		names = append(names, id.String()+"."+ext)
	}

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err == nil {
			return data, mediaTypeOf(name), nil
		}
		if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read photo file %s: %w", name, err)
		}
	}
	return nil, "", ErrNotFound
}

// Delete removes a photo file. Missing files are not an error.
func (s *Store) Delete(id uuid.UUID, fileName string) error {
	names := []string{}
	if fileName != "" {
		names = append(names, fileName)
	}
	for _, ext := range knownExts {
		names = append(names, id.String()+"."+ext)
	}

	for _, name := range names {
		err := os.Remove(filepath.Join(s.dir, name))
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete photo file %s: %w", name, err)
		}
	}
	return nil
}

func mediaTypeOf(name string) string {
	ext := filepath.Ext(name)
	for mt, e := range extByMediaType {
		if "."+e == ext {
			return mt
		}
	}
	return "application/octet-stream"
}
