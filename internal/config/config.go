package config

import (
	"encoding/hex"
	"errors"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Export   ExportConfig   `yaml:"export"`
	Transfer TransferConfig `yaml:"transfer"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	PathPrefix string `yaml:"path_prefix"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig points at the local archive of forms and submissions.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

type ExportConfig struct {
	MaxWorkers       int    `yaml:"max_workers"`
	DefaultExportDir string `yaml:"default_export_dir"`
	DropMissingForms bool   `yaml:"drop_missing_forms"`
}

type TransferConfig struct {
	Timeout string `yaml:"timeout"`
}

type SecurityConfig struct {
	// EncryptionKey is a 64 character hex string used to encrypt stored pull passwords.
	EncryptionKey  string `yaml:"encryption_key"`
	APITokenHash   string `yaml:"api_token_hash"`
	StorePasswords bool   `yaml:"store_passwords"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var ErrInvalidEncryptionKey = errors.New("encryption key must be 64 hex characters (32 bytes)")

func (c *TransferConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetEncryptionKey decodes the configured key. It returns nil, nil when no key is set.
func (c *SecurityConfig) GetEncryptionKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidEncryptionKey
	}
	return key, nil
}

func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	setDefaults(&cfg)

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PathPrefix == "" {
		cfg.Server.PathPrefix = "/formexport"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/formexport.db"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data/storage"
	}
	if cfg.Export.MaxWorkers <= 0 {
		cfg.Export.MaxWorkers = runtime.NumCPU()
	}
	if cfg.Transfer.Timeout == "" {
		cfg.Transfer.Timeout = "5m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}
}
