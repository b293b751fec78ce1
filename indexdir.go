package bptree

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// IndexDirectory knows the layout of an index directory: the paged file,
// the vector store next to it, the cache directory, and config.ini.
type IndexDirectory struct {
	baseDir string
}

// NewIndexDirectory wraps a directory path without touching disk.
func NewIndexDirectory(dir string) *IndexDirectory {
	return &IndexDirectory{baseDir: dir}
}

func (d *IndexDirectory) BaseDir() string        { return d.baseDir }
func (d *IndexDirectory) IndexFilePath() string  { return filepath.Join(d.baseDir, "index.bpt") }
func (d *IndexDirectory) CacheDirPath() string   { return filepath.Join(d.baseDir, ".cache") }
func (d *IndexDirectory) ConfigFilePath() string { return filepath.Join(d.baseDir, "config.ini") }

// EnsureExists creates the directory skeleton and a default config.ini when
// one is missing.
func (d *IndexDirectory) EnsureExists() error {
	if err := os.MkdirAll(d.baseDir, 0o755); err != nil {
		return fileIOErr(err, "create index directory")
	}
	if err := os.MkdirAll(d.CacheDirPath(), 0o755); err != nil {
		return fileIOErr(err, "create cache directory")
	}
	if _, err := os.Stat(d.ConfigFilePath()); os.IsNotExist(err) {
		return d.CreateDefaultConfig()
	}
	return nil
}

// IndexExists reports whether the paged file is present.
func (d *IndexDirectory) IndexExists() bool {
	_, err := os.Stat(d.IndexFilePath())
	return err == nil
}

// CacheExists reports whether the cache directory is present.
func (d *IndexDirectory) CacheExists() bool {
	info, err := os.Stat(d.CacheDirPath())
	return err == nil && info.IsDir()
}

// CreateDefaultConfig writes the canonical config.ini.
func (d *IndexDirectory) CreateDefaultConfig() error {
	content := "[cache]\n" +
		"cache_enabled = true\n" +
		"max_cache_size_mb = 100\n" +
		"\n" +
		"[index]\n" +
		"; index configuration options\n"
	if err := os.WriteFile(d.ConfigFilePath(), []byte(content), 0o644); err != nil {
		return fileIOErr(err, "write default config")
	}
	return nil
}

// CacheConfig is the [cache] section of config.ini.
type CacheConfig struct {
	Enabled       bool
	MaxCacheBytes uint64
}

// LoadCacheConfig reads config.ini; a missing or unreadable file yields the
// defaults (enabled, 100 MB).
func (d *IndexDirectory) LoadCacheConfig() CacheConfig {
	cfg := CacheConfig{Enabled: true, MaxCacheBytes: defaultMaxCacheBytes}
	v := viper.New()
	v.SetConfigFile(d.ConfigFilePath())
	v.SetConfigType("ini")
	v.SetDefault("cache.cache_enabled", true)
	v.SetDefault("cache.max_cache_size_mb", 100)
	if err := v.ReadInConfig(); err != nil {
		return cfg
	}
	cfg.Enabled = v.GetBool("cache.cache_enabled")
	cfg.MaxCacheBytes = uint64(v.GetInt("cache.max_cache_size_mb")) * 1024 * 1024
	return cfg
}
