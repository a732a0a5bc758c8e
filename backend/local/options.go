package local

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/internal/config"
)

// Config holds configuration for the local backend.
type Config struct {
	// Root is the root directory for all operations.
	// All paths are relative to this directory.
	Root string

	// CreateDirs controls whether parent directories are created automatically.
	// Default: true
	CreateDirs bool

	// DirPermissions is the permission mode for created directories.
	// Default: 0755
	DirPermissions os.FileMode

	// FilePermissions is the permission mode for created files.
	// Default: 0644
	FilePermissions os.FileMode
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Root:            ".",
		CreateDirs:      true,
		DirPermissions:  0755,
		FilePermissions: 0644,
	}
}

// ConfigFromMap creates a Config from a root URL and an option map.
//
// Supported keys:
//   - root: root directory, overriding the URL
//   - create_dirs: create parent directories on write (default: true)
//   - dir_permissions: octal mode for created directories (default: 0755)
//   - file_permissions: octal mode for created files (default: 0644)
func ConfigFromMap(loc objectstore.StorageURL, m map[string]string) (Config, error) {
	cfg := DefaultConfig()
	if loc.LocalRoot != "" {
		cfg.Root = loc.LocalRoot
	}

	opts := config.New(m)
	if root := opts.String("root"); root != "" {
		cfg.Root = root
	}
	if v, ok := opts.Bool("create_dirs"); ok {
		cfg.CreateDirs = v
	}

	modes := []struct {
		key string
		dst *os.FileMode
	}{
		{"dir_permissions", &cfg.DirPermissions},
		{"file_permissions", &cfg.FilePermissions},
	}
	for _, mode := range modes {
		v, ok := opts.Lookup(mode.key)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return Config{}, fmt.Errorf("local: invalid %s %q: %w", mode.key, v, err)
		}
		*mode.dst = os.FileMode(n)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Root == "" {
		return errors.New("local: root is required")
	}
	if c.DirPermissions&0700 != 0700 {
		return fmt.Errorf("local: directory permissions %o do not allow the owner full access", c.DirPermissions)
	}
	if c.FilePermissions&0600 != 0600 {
		return fmt.Errorf("local: file permissions %o do not allow the owner to read and write", c.FilePermissions)
	}
	return nil
}
