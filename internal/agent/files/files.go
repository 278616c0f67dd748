// Package files implements the local filesystem surface exposed through
// the request multiplex: directory browsing, file read/write, and basic
// filesystem mutations. Every incoming path may start with "~", which is
// expanded to the user's home directory.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// Service answers file operations rooted at the user's home directory.
type Service struct {
	home string
}

func NewService() (*Service, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Service{home: home}, nil
}

// Expand resolves a leading tilde against the user's home directory and
// cleans the result. Relative paths are rejected; every caller goes
// through here.
func (s *Service) Expand(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	if path == "~" {
		return s.home, nil
	}
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(s.home, path[2:])
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute or start with ~: %q", path)
	}
	return filepath.Clean(path), nil
}

// Browse lists a directory. Dotfiles are omitted unless showHidden;
// directories sort before files, each group alphabetically.
func (s *Service) Browse(path string, showHidden bool) ([]Entry, error) {
	dir, err := s.Expand(path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if !showHidden && strings.HasPrefix(de.Name(), ".") {
			continue
		}
		e := Entry{
			Name:  de.Name(),
			Path:  filepath.Join(dir, de.Name()),
			IsDir: de.IsDir(),
		}
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// Read returns a file's content.
func (s *Service) Read(path string) (string, error) {
	p, err := s.Expand(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// Write replaces a file's content.
func (s *Service) Write(path, content string) error {
	p, err := s.Expand(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Create makes an empty file; it fails if the path already exists.
func (s *Service) Create(path string) (string, error) {
	p, err := s.Expand(path)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	_ = f.Close()
	return p, nil
}

// Mkdir makes a directory, including parents.
func (s *Service) Mkdir(path string) (string, error) {
	p, err := s.Expand(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	return p, nil
}

// Rename moves a file or directory.
func (s *Service) Rename(from, to string) (string, error) {
	src, err := s.Expand(from)
	if err != nil {
		return "", err
	}
	dst, err := s.Expand(to)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("destination already exists: %s", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}
	return dst, nil
}

// Delete removes a file or an empty directory. Recursive deletion is
// deliberately not offered over the wire.
func (s *Service) Delete(path string) error {
	p, err := s.Expand(path)
	if err != nil {
		return err
	}
	if p == s.home {
		return errors.New("refusing to delete home directory")
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// NewForHome builds a Service rooted at an explicit home directory.
func NewForHome(home string) *Service {
	return &Service{home: home}
}

// Home returns the resolved home directory.
func (s *Service) Home() string {
	return s.home
}
