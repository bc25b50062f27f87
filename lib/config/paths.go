package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

const (
	// SecureDirPermissions is used for the daemon directory and the bundle store.
	SecureDirPermissions = 0o700
	// SecureFilePermissions is used for files written into it.
	SecureFilePermissions = 0o600
)

// SanitizePath resolves userPath against basePath and refuses results outside
// of basePath. An empty userPath yields the base itself.
func SanitizePath(basePath, userPath string) (string, error) {
	if basePath == "" {
		return "", oops.In("config").Errorf("base path cannot be empty")
	}
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return "", oops.In("config").With("path", basePath).Wrapf(err, "invalid base path")
	}
	if userPath == "" {
		return cleanBase, nil
	}

	resolved := filepath.Clean(userPath)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cleanBase, resolved)
	}
	if resolved != cleanBase && !strings.HasPrefix(resolved, cleanBase+string(filepath.Separator)) {
		log.WithFields(logger.Fields{
			"at":            "SanitizePath",
			"reason":        "path_traversal_attempt",
			"base_path":     cleanBase,
			"resolved_path": resolved,
		}).Warn("potential path traversal blocked")
		return "", oops.In("config").With("path", userPath).Errorf("path %q escapes base directory %q", userPath, basePath)
	}
	return resolved, nil
}

// CreateSecureDirectory creates path, and any parent, readable only by the
// owner.
func CreateSecureDirectory(path string) error {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(cleanPath, SecureDirPermissions); err != nil {
		return oops.In("config").With("path", cleanPath).Wrapf(err, "create directory")
	}
	// MkdirAll keeps the mode of an existing directory.
	if err := os.Chmod(cleanPath, SecureDirPermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "CreateSecureDirectory",
			"reason": "chmod_failed",
			"path":   cleanPath,
		}).WithError(err).Warn("could not set secure permissions on directory")
	}
	return nil
}

// WriteSecureFile writes data to path with owner-only permissions.
func WriteSecureFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, SecureFilePermissions); err != nil {
		return oops.In("config").With("path", path).Wrapf(err, "write file")
	}
	return nil
}
