package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrOutsideStore is returned for paths that do not live in the uploads directory.
var ErrOutsideStore = errors.New("path outside upload store")

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
	".ts": true, ".mpg": true, ".mpeg": true,
}

func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// Upload is a file written into the store.
type Upload struct {
	ID   string
	Path string
	Size int64
}

// Store lays out uploads and rendered outputs on disk.
type Store struct {
	uploadsDir string
	outputDir  string
}

func NewStore(uploadsDir, outputDir string) (*Store, error) {
	absUploads, err := filepath.Abs(uploadsDir)
	if err != nil {
		return nil, err
	}
	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{absUploads, absOutput} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{uploadsDir: absUploads, outputDir: absOutput}, nil
}

func (s *Store) UploadsDir() string { return s.uploadsDir }
func (s *Store) OutputDir() string  { return s.outputDir }

// SaveUpload copies r to <uuid><ext> in the uploads directory. The extension
// comes from originalName.
func (s *Store) SaveUpload(r io.Reader, originalName string) (*Upload, error) {
	id := uuid.New().String()
	path := filepath.Join(s.uploadsDir, id+strings.ToLower(filepath.Ext(originalName)))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return &Upload{ID: id, Path: path, Size: n}, nil
}

// Resolve returns the cleaned absolute form of path if it names a file
// directly inside the uploads directory.
func (s *Store) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrOutsideStore
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) != s.uploadsDir {
		return "", ErrOutsideStore
	}
	return abs, nil
}

// NewOutputPath returns a fresh path for a rendered video.
func (s *Store) NewOutputPath() string {
	return filepath.Join(s.outputDir, uuid.New().String()+"_legendado.mp4")
}

// Remove deletes path, ignoring files that are already gone.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// StaleOutputs lists regular files in the output directory last modified
// before cutoff.
func (s *Store) StaleOutputs(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(s.outputDir, e.Name()))
		}
	}
	return stale, nil
}
