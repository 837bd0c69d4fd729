package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aalhour/genkv"
)

// Config describes one smoke run.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	Storage StorageConfig `yaml:"storage"`
}

// DataConfig sizes the generated test data.
type DataConfig struct {
	Keys      int `yaml:"keys"`
	ValueSize int `yaml:"value_size"`
}

// StorageConfig maps onto genkv.Options.
type StorageConfig struct {
	Dir                 string        `yaml:"dir"`
	BlockSize           int           `yaml:"block_size"`
	CacheSize           int           `yaml:"cache_size"`
	VolumeBlocks        int           `yaml:"volume_blocks"`
	Compression         string        `yaml:"compression"`
	MemLayerMaxEntries  int           `yaml:"mem_layer_max_entries"`
	MaxBackgroundMerges int           `yaml:"max_background_merges"`
	MergeInterval       time.Duration `yaml:"merge_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Keys:      10000,
			ValueSize: 100,
		},
		Storage: StorageConfig{
			BlockSize:           4096,
			CacheSize:           1024,
			VolumeBlocks:        1 << 18,
			Compression:         "snappy",
			MemLayerMaxEntries:  2000,
			MaxBackgroundMerges: 1,
			MergeInterval:       100 * time.Millisecond,
		},
	}
}

// LoadConfig reads configPath, if set, over the defaults and then applies
// overrides from the environment and an optional .env file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	// A missing .env file is not an error.
	_ = godotenv.Load(".env")
	if err := applyEnv(cfg); err != nil {
		return cfg, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"GENKV_SMOKE_KEYS", &cfg.Data.Keys},
		{"GENKV_SMOKE_VALUE_SIZE", &cfg.Data.ValueSize},
		{"GENKV_BLOCK_SIZE", &cfg.Storage.BlockSize},
		{"GENKV_CACHE_SIZE", &cfg.Storage.CacheSize},
		{"GENKV_MAX_BACKGROUND_MERGES", &cfg.Storage.MaxBackgroundMerges},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.dst = n
	}
	if v, ok := os.LookupEnv("GENKV_DIR"); ok {
		cfg.Storage.Dir = v
	}
	if v, ok := os.LookupEnv("GENKV_COMPRESSION"); ok {
		cfg.Storage.Compression = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	d := defaultConfig()
	if cfg.Data.Keys <= 0 {
		cfg.Data.Keys = d.Data.Keys
	}
	if cfg.Data.ValueSize < 16 {
		cfg.Data.ValueSize = 16
	}
	if cfg.Storage.BlockSize <= 0 {
		cfg.Storage.BlockSize = d.Storage.BlockSize
	}
	if cfg.Storage.CacheSize <= 0 {
		cfg.Storage.CacheSize = d.Storage.CacheSize
	}
	if cfg.Storage.VolumeBlocks <= 0 {
		cfg.Storage.VolumeBlocks = d.Storage.VolumeBlocks
	}
	if cfg.Storage.MergeInterval <= 0 {
		cfg.Storage.MergeInterval = d.Storage.MergeInterval
	}
}

func parseCompression(name string) (genkv.CompressionType, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return genkv.NoCompression, nil
	case "snappy":
		return genkv.SnappyCompression, nil
	case "zlib":
		return genkv.ZlibCompression, nil
	case "lz4":
		return genkv.LZ4Compression, nil
	case "zstd":
		return genkv.ZstdCompression, nil
	}
	return genkv.NoCompression, fmt.Errorf("unknown compression %q", name)
}

// Options builds store options from the config.
func (c *Config) Options() (*genkv.Options, error) {
	ct, err := parseCompression(c.Storage.Compression)
	if err != nil {
		return nil, err
	}
	opts := genkv.DefaultOptions()
	opts.BlockSize = c.Storage.BlockSize
	opts.CacheSize = c.Storage.CacheSize
	opts.VolumeBlocks = c.Storage.VolumeBlocks
	opts.Compression = ct
	opts.MemLayerMaxEntries = c.Storage.MemLayerMaxEntries
	opts.MaxBackgroundMerges = c.Storage.MaxBackgroundMerges
	opts.MergeInterval = c.Storage.MergeInterval
	if opts.NumLRU > opts.CacheSize {
		opts.NumLRU = opts.CacheSize
	}
	return opts, opts.Validate()
}
