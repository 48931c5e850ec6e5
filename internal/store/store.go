// Package store persists foreman's documents (sessions, plans, decisions and
// invocation records) as JSON addressed by slash-separated paths.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/thruflo/foreman/internal/config"
)

// ErrInvalidPath is returned for empty, absolute or escaping document paths.
var ErrInvalidPath = errors.New("invalid document path")

// DocumentStore is the sole persistence used by the registry. Get returns
// nil, nil when the document does not exist.
type DocumentStore interface {
	Get(ctx context.Context, p string) ([]byte, error)
	Put(ctx context.Context, p string, doc []byte) error
	Exists(ctx context.Context, p string) (bool, error)
	// List returns the paths of all documents starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open returns the store selected by cfg.
func Open(cfg config.StoreConfig) (DocumentStore, error) {
	switch cfg.Driver {
	case config.StoreDriverFile, "":
		return NewFileStore(cfg.Path), nil
	case config.StoreDriverSQLite:
		return OpenSQLite(cfg.Path)
	}
	return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
}

// GetJSON loads the document at p into v. It reports false when the document
// does not exist.
func GetJSON(ctx context.Context, s DocumentStore, p string, v interface{}) (bool, error) {
	data, err := s.Get(ctx, p)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return true, nil
}

// PutJSON stores v as indented JSON at p.
func PutJSON(ctx context.Context, s DocumentStore, p string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", p, err)
	}
	return s.Put(ctx, p, data)
}

// cleanPath validates a document path and returns its canonical form.
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}
