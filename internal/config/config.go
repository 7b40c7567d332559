package config

import (
	"fmt"

	"go-drive-transfer/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultMaxPipelines        = 3
	DefaultMaxApiAutoRetries   = 3
	DefaultApiClientTimeoutSec = 60
	DefaultDatabasePath        = "transfer.db"
	DefaultCachePath           = "offline"
	DefaultCatalogPath         = "catalog.yaml"
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml"),
// applies defaults and validates the scheduler settings.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return models.Config{}, fmt.Errorf("invalid config file %s: %w", configFilePath, err)
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. A zero MaxApiAutoRetries reads as unset;
// rows that must never be retried are enqueued with retryable=false instead.
func ApplyDefaults(cfg *models.Config) {
	if cfg.DatabasePath == "" {
		log.Warnf("DatabasePath is not set, using %s", DefaultDatabasePath)
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.CachePath == "" {
		log.Warnf("CachePath is not set, using %s", DefaultCachePath)
		cfg.CachePath = DefaultCachePath
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = DefaultCatalogPath
	}
	if cfg.MaxPipelines == 0 {
		cfg.MaxPipelines = DefaultMaxPipelines
	}
	if cfg.MaxApiAutoRetries == 0 {
		cfg.MaxApiAutoRetries = DefaultMaxApiAutoRetries
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeoutSec
	}
	if len(cfg.AllowedNetworks) == 0 {
		cfg.AllowedNetworks = []string{string(models.NetworkUnmetered)}
	}
}

// Validate rejects settings the scheduler cannot run with.
func Validate(cfg models.Config) error {
	if cfg.MaxPipelines < 1 {
		return fmt.Errorf("MaxPipelines must be at least 1, got %d", cfg.MaxPipelines)
	}
	if cfg.MaxApiAutoRetries < 0 {
		return fmt.Errorf("MaxApiAutoRetries must not be negative, got %d", cfg.MaxApiAutoRetries)
	}
	if _, err := AllowedNetworkSet(cfg); err != nil {
		return err
	}
	return nil
}

// AllowedNetworkSet parses the configured network names.
func AllowedNetworkSet(cfg models.Config) (models.NetworkSet, error) {
	set := models.NewNetworkSet()
	for _, name := range cfg.AllowedNetworks {
		n, err := models.ParseNetworkType(name)
		if err != nil {
			return nil, fmt.Errorf("AllowedNetworks: %w", err)
		}
		set[n] = struct{}{}
	}
	return set, nil
}
