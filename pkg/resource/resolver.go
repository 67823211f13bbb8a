package resource

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Common errors
var (
	ErrNotFound    = errors.New("resource not found")
	ErrNotRegular  = errors.New("not a regular file")
	ErrOutsideRoot = errors.New("path escapes the resource root")
)

// Resolver maps URL paths to files below a root directory
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at dir. The root is made absolute so
// later changes of the working directory do not move it.
func NewResolver(dir string) (*Resolver, error) {
	if dir == "" {
		dir = "."
	}
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to access resource root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource root is not a directory: %s", absRoot)
	}
	return &Resolver{root: absRoot}, nil
}

// Root returns the absolute resource root
func (r *Resolver) Root() string {
	return r.root
}

// Locate returns the file-system path for a URL path. The URL path is cleaned
// as an absolute path first, so ".." segments cannot climb above the root.
func (r *Resolver) Locate(urlPath string) (string, error) {
	cleaned := path.Clean("/" + urlPath)
	full := filepath.Join(r.root, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(r.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return full, nil
}

// Exists reports whether urlPath names a regular file under the root
func (r *Resolver) Exists(urlPath string) bool {
	full, err := r.Locate(urlPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Read returns the content of the file named by urlPath
func (r *Resolver) Read(urlPath string) ([]byte, error) {
	full, err := r.Locate(urlPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, urlPath)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
