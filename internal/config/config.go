package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	devSystemSecret = "gatelog-dev-system-secret"
	devBackupSecret = "gatelog-dev-backup-secret"
)

type Config struct {
	HTTPAddr string `toml:"http_addr"`

	// DB
	Env    string `toml:"env"`     // "dev" | "prod"
	DBPath string `toml:"db_path"` // e.g. "./data/gatelog.db"

	AppVersion string `toml:"app_version"`

	// Session key material shared by every operator station.
	SystemSecret string `toml:"system_secret"`
	SystemSalt   string `toml:"system_salt"`

	// Backup master key material. Must differ from the session secret.
	BackupSecret string `toml:"backup_secret"`
	BackupSalt   string `toml:"backup_salt"`

	// Scheduled backups
	BackupIntervalHours int `toml:"backup_interval_hours"` // 0 = disabled
	BackupKeep          int `toml:"backup_keep"`           // 0 = keep all

	Offsite Offsite `toml:"offsite"`

	// Dev seed operator, used only when Env is "dev".
	DevUsername string `toml:"dev_username"`
	DevPassword string `toml:"dev_password"`
}

// Offsite configures the MinIO copy of scheduled backups. An empty
// endpoint disables it.
type Offsite struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	Region    string `toml:"region"`
	Prefix    string `toml:"prefix"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:            ":8080",
		Env:                 "dev",
		DBPath:              "./data/gatelog.db",
		AppVersion:          "dev",
		SystemSecret:        devSystemSecret,
		SystemSalt:          "gatelog-installation",
		BackupSecret:        devBackupSecret,
		BackupSalt:          "gatelog-backup",
		BackupIntervalHours: 24,
		BackupKeep:          14,
		Offsite:             Offsite{Bucket: "gatelog-backups"},
		DevUsername:         "admin",
		DevPassword:         "admin-dev-password",
	}
}

// Load builds the config from defaults, then the TOML file named by
// GATELOG_CONFIG if set, then environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("GATELOG_CONFIG")); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg
}

// LoadFile decodes a TOML file over cfg. Keys absent from the file keep
// their current values.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrideString(&cfg.HTTPAddr, "GATELOG_HTTP_ADDR")
	overrideString(&cfg.Env, "GATELOG_ENV")
	overrideString(&cfg.DBPath, "GATELOG_DB_PATH")
	overrideString(&cfg.AppVersion, "GATELOG_APP_VERSION")

	overrideString(&cfg.SystemSecret, "GATELOG_SYSTEM_SECRET")
	overrideString(&cfg.SystemSalt, "GATELOG_SYSTEM_SALT")
	overrideString(&cfg.BackupSecret, "GATELOG_BACKUP_SECRET")
	overrideString(&cfg.BackupSalt, "GATELOG_BACKUP_SALT")

	cfg.BackupIntervalHours = getenvInt("GATELOG_BACKUP_INTERVAL_HOURS", cfg.BackupIntervalHours)
	cfg.BackupKeep = getenvInt("GATELOG_BACKUP_KEEP", cfg.BackupKeep)

	overrideString(&cfg.Offsite.Endpoint, "GATELOG_OFFSITE_ENDPOINT")
	overrideString(&cfg.Offsite.AccessKey, "GATELOG_OFFSITE_ACCESS_KEY")
	overrideString(&cfg.Offsite.SecretKey, "GATELOG_OFFSITE_SECRET_KEY")
	overrideString(&cfg.Offsite.Bucket, "GATELOG_OFFSITE_BUCKET")
	overrideString(&cfg.Offsite.Region, "GATELOG_OFFSITE_REGION")
	overrideString(&cfg.Offsite.Prefix, "GATELOG_OFFSITE_PREFIX")
	cfg.Offsite.UseSSL = getenvBool("GATELOG_OFFSITE_USE_SSL", cfg.Offsite.UseSSL)

	overrideString(&cfg.DevUsername, "GATELOG_DEV_USERNAME")
	overrideString(&cfg.DevPassword, "GATELOG_DEV_PASSWORD")
}

func normalize(cfg *Config) {
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
}

// Validate rejects configs that cannot run. In prod the built-in dev
// secrets are refused.
func (c Config) Validate() error {
	var errs []error
	if c.SystemSecret == "" || c.SystemSalt == "" {
		errs = append(errs, errors.New("system secret and salt are required"))
	}
	if c.BackupSecret == "" || c.BackupSalt == "" {
		errs = append(errs, errors.New("backup secret and salt are required"))
	}
	if c.BackupSecret != "" && c.BackupSecret == c.SystemSecret {
		errs = append(errs, errors.New("backup secret must differ from the system secret"))
	}
	if c.Env == "prod" && (c.SystemSecret == devSystemSecret || c.BackupSecret == devBackupSecret) {
		errs = append(errs, errors.New("prod requires GATELOG_SYSTEM_SECRET and GATELOG_BACKUP_SECRET"))
	}
	if c.Offsite.Endpoint != "" && c.Offsite.Bucket == "" {
		errs = append(errs, errors.New("offsite bucket is required when an endpoint is set"))
	}
	return errors.Join(errs...)
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}
