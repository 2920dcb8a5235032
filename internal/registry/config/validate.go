package config

import (
	"fmt"
	"net/url"
)

// Validate performs runtime validations on the loaded configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.DatabaseDriver {
	case DatabaseDriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database URL must be set for the postgres driver")
		}
	case DatabaseDriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if cfg.Kubernetes.Namespace == "" {
		return fmt.Errorf("kubernetes namespace must be specified")
	}
	for name, raw := range map[string]string{
		"platform service URL":  cfg.Platform.ServiceURL,
		"platform loopback URL": cfg.Platform.LoopbackURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL (got %q)", name, raw)
		}
	}
	if cfg.Proxy.StartupTimeout <= 0 {
		return fmt.Errorf("provider startup timeout must be positive (got %s)", cfg.Proxy.StartupTimeout)
	}
	if cfg.Proxy.AutoStopTimeout <= 0 {
		return fmt.Errorf("provider auto stop timeout must be positive (got %s)", cfg.Proxy.AutoStopTimeout)
	}
	for name, d := range map[string]int64{
		"idle scale-down interval": int64(cfg.Jobs.IdleScaleDownInterval),
		"run retention interval":   int64(cfg.Jobs.RunRetentionInterval),
		"auto-remove interval":     int64(cfg.Jobs.AutoRemoveInterval),
		"catalog sync interval":    int64(cfg.Jobs.CatalogSyncInterval),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Logging.SuccessSampleRate < 0 || cfg.Logging.SuccessSampleRate > 1 {
		return fmt.Errorf("log success sample rate must be within [0, 1] (got %v)", cfg.Logging.SuccessSampleRate)
	}
	return nil
}
