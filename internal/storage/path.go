package storage

import (
	"path"
	"strings"
)

// PathConfig shapes the fan-out directories a digest is stored under.
// The zero value stores every blob directly under the root.
type PathConfig struct {
	ShardLevels int
	ShardWidth  int
}

// DefaultPathConfig gives ab/cd/<digest>, 65536 leaf directories for a
// hex digest.
func DefaultPathConfig() PathConfig {
	return PathConfig{ShardLevels: 2, ShardWidth: 2}
}

// ComputePath returns the slash-separated path of digest under the store
// root. The same form serves as a filesystem path and an S3 key suffix.
func ComputePath(config PathConfig, digest string) string {
	var b strings.Builder
	for _, dir := range ShardDirs(config, digest) {
		b.WriteString(dir)
		b.WriteByte('/')
	}
	b.WriteString(digest)
	return b.String()
}

// ShardDirs splits the digest prefix into ShardLevels names. It returns nil
// when sharding is off or the digest is too short to shard.
func ShardDirs(config PathConfig, digest string) []string {
	if config.ShardLevels <= 0 || config.ShardWidth <= 0 || len(digest) < config.ShardLevels*config.ShardWidth {
		return nil
	}
	dirs := make([]string, 0, config.ShardLevels)
	for rest := digest; len(dirs) < config.ShardLevels; rest = rest[config.ShardWidth:] {
		dirs = append(dirs, rest[:config.ShardWidth])
	}
	return dirs
}

// ComputeLegacyPath is where blobs written before content addressing live:
// the file identifier directly under the root.
func ComputeLegacyPath(fileID string) string {
	return path.Base(path.Clean("/" + fileID))
}

// CleanPath normalizes a root-relative path, accepting backslashes, and
// rejects anything that resolves outside the root.
func CleanPath(storagePath string) (string, error) {
	if storagePath == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(strings.ReplaceAll(storagePath, "\\", "/"))
	switch {
	case cleaned == "." || cleaned == "/" || cleaned == "..":
		return "", ErrInvalidPath
	case strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned):
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
