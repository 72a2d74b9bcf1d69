package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации приложения.
// Расширяем по мере роста проекта.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "mysql" | "sqlite"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, пусто — только stdout
	} `mapstructure:"logs"`

	Firewall struct {
		BaseURL     string `mapstructure:"base_url"` // https://fw.example.org
		APIKey      string `mapstructure:"api_key"`
		APISecret   string `mapstructure:"api_secret"`
		InsecureTLS bool   `mapstructure:"insecure_tls"` // self-signed сертификаты
		TimeoutSec  int    `mapstructure:"timeout_sec"`
	} `mapstructure:"firewall"`

	Provision struct {
		DefaultDeviceLimit int    `mapstructure:"default_device_limit"`
		Keepalive          int    `mapstructure:"keepalive"`
		DNS                string `mapstructure:"dns"`
		AllowedIPs         string `mapstructure:"allowed_ips"`
	} `mapstructure:"provision"`

	Reconcile struct {
		Interval   string `mapstructure:"interval"` // "24h"
		RunOnStart bool   `mapstructure:"run_on_start"`
		LockTTL    string `mapstructure:"lock_ttl"` // "10m"
	} `mapstructure:"reconcile"`

	Admin struct {
		Token string `mapstructure:"token"` // для регистрации серверов
	} `mapstructure:"admin"`
}

// Load читает конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Дефолты (минимальный рабочий набор)
	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "vpnhub.db")

	// Логи — дефолты
	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	viper.SetDefault("firewall.base_url", "")
	viper.SetDefault("firewall.api_key", "")
	viper.SetDefault("firewall.api_secret", "")
	viper.SetDefault("firewall.insecure_tls", true)
	viper.SetDefault("firewall.timeout_sec", 15)

	viper.SetDefault("provision.default_device_limit", 2)
	viper.SetDefault("provision.keepalive", 25)
	viper.SetDefault("provision.dns", "")
	viper.SetDefault("provision.allowed_ips", "0.0.0.0/0")

	viper.SetDefault("reconcile.interval", "24h")
	viper.SetDefault("reconcile.run_on_start", true)
	viper.SetDefault("reconcile.lock_ttl", "10m")

	viper.SetDefault("admin.token", "")

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "vpnhub"))
		}
		viper.AddConfigPath("/etc/vpnhub")
	}

	// Чтение файла (опционально)
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		return errors.New("database.driver must be set")
	}
	if strings.TrimSpace(c.Firewall.BaseURL) == "" {
		return errors.New("firewall.base_url must be set")
	}
	if c.Firewall.APIKey == "" || c.Firewall.APISecret == "" {
		return errors.New("firewall.api_key and firewall.api_secret must be set")
	}
	if _, err := time.ParseDuration(c.Reconcile.Interval); err != nil {
		return fmt.Errorf("reconcile.interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Reconcile.LockTTL); err != nil {
		return fmt.Errorf("reconcile.lock_ttl: %w", err)
	}
	return nil
}

// ReconcileInterval — уже провалидированный интервал.
func (c *Config) ReconcileInterval() time.Duration {
	d, _ := time.ParseDuration(c.Reconcile.Interval)
	return d
}

func (c *Config) ReconcileLockTTL() time.Duration {
	d, _ := time.ParseDuration(c.Reconcile.LockTTL)
	return d
}

func (c *Config) FirewallTimeout() time.Duration {
	if c.Firewall.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Firewall.TimeoutSec) * time.Second
}
