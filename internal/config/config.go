package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/semmidev/pgmirror/internal/domain"
)

// Config is loaded once at startup and handed to every component
// constructor. Database keys stay flat to match the operator's YAML file.
type Config struct {
	App AppConfig `mapstructure:"app"`

	// Source (production) server.
	DBName  string `mapstructure:"db_name"`
	DBOwner string `mapstructure:"db_owner"`
	DBAdmin string `mapstructure:"db_admin"`
	DBHost  string `mapstructure:"db_host"`
	DBPort  int    `mapstructure:"db_port"`

	// Target (local) server.
	LocalDBName  string `mapstructure:"local_db_name"`
	LocalDBOwner string `mapstructure:"local_db_owner"`
	LocalDBAdmin string `mapstructure:"local_db_admin"`
	LocalDBHost  string `mapstructure:"local_db_host"`
	LocalDBPort  int    `mapstructure:"local_db_port"`

	// Administrative database on the target server used while the target
	// database is being dropped and recreated.
	DBDevName string `mapstructure:"db_dev_name"`

	BackupRetentionDays int    `mapstructure:"backup_retention_days"`
	BackupDirectory     string `mapstructure:"backup_directory"`

	PgpassFile string `mapstructure:"pgpass_file"`
	SSLMode    string `mapstructure:"ssl_mode"`

	Filter    FilterConfig    `mapstructure:"filter"`
	Dump      DumpConfig      `mapstructure:"dump"`
	Restore   RestoreConfig   `mapstructure:"restore"`
	Ownership OwnershipConfig `mapstructure:"ownership"`
	Schedule  string          `mapstructure:"schedule"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

type FilterConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

type DumpConfig struct {
	Binary    string        `mapstructure:"binary"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ExtraArgs []string      `mapstructure:"extra_args"`
}

type RestoreConfig struct {
	Binary       string        `mapstructure:"binary"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StopOnError  bool          `mapstructure:"stop_on_error"`
	IgnoreErrors []string      `mapstructure:"ignore_errors"`
}

type OwnershipConfig struct {
	GrantRoles []string `mapstructure:"grant_roles"`
}

type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BotToken      string `mapstructure:"bot_token"`
	ChatID        string `mapstructure:"chat_id"`
	OnFailureOnly bool   `mapstructure:"on_failure_only"`
}

type ArchiveConfig struct {
	Compress      bool           `mapstructure:"compress"`
	UploadTargets []UploadTarget `mapstructure:"upload_targets"`
}

type UploadTarget struct {
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// Google Drive
	CredentialsFile string `mapstructure:"credentials_file"`
	FolderID        string `mapstructure:"folder_id"`

	// AWS S3
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// DefaultFilterPatterns match SET statements emitted by newer pg_dump
// versions that older servers reject.
var DefaultFilterPatterns = []string{
	`^SET\s+transaction_timeout\b`,
	`^SET\s+idle_in_transaction_session_timeout\b`,
	`^SET\s+row_security\b`,
	`^SET\s+xmloption\b`,
	`^SET\s+default_table_access_method\b`,
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("pgmirror")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v, "", reflect.TypeOf(Config{})); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnv registers every scalar and string list key of t so PGMIRROR_*
// variables apply even when the file leaves the key out. Lists of tables
// such as archive.upload_targets can only come from the file.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		switch {
		case field.Type.Kind() == reflect.Struct:
			if err := bindEnv(v, key, field.Type); err != nil {
				return err
			}
		case field.Type.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.Struct:
			continue
		default:
			if err := v.BindEnv(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pgmirror")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("db_port", 5432)
	v.SetDefault("local_db_port", 5432)
	v.SetDefault("backup_retention_days", 7)
	v.SetDefault("ssl_mode", "prefer")
	v.SetDefault("filter.patterns", DefaultFilterPatterns)
	v.SetDefault("dump.binary", "pg_dump")
	v.SetDefault("dump.timeout", 30*time.Minute)
	v.SetDefault("restore.binary", "psql")
	v.SetDefault("restore.timeout", 60*time.Minute)
	v.SetDefault("restore.stop_on_error", false)
	v.SetDefault("restore.ignore_errors", []string{`must be owner of extension`})
	v.SetDefault("archive.compress", true)
}

// Validate checks that every required key is present before any stage runs.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"db_name", c.DBName},
		{"db_owner", c.DBOwner},
		{"db_admin", c.DBAdmin},
		{"db_host", c.DBHost},
		{"local_db_name", c.LocalDBName},
		{"local_db_owner", c.LocalDBOwner},
		{"local_db_admin", c.LocalDBAdmin},
		{"local_db_host", c.LocalDBHost},
		{"db_dev_name", c.DBDevName},
		{"backup_directory", c.BackupDirectory},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return &domain.ValidationError{
			Subject: "config",
			Err:     fmt.Errorf("missing required keys: %s", strings.Join(missing, ", ")),
		}
	}

	if err := validPort("db_port", c.DBPort); err != nil {
		return err
	}
	if err := validPort("local_db_port", c.LocalDBPort); err != nil {
		return err
	}

	if c.BackupRetentionDays <= 0 {
		return &domain.ValidationError{
			Subject: "config",
			Err:     fmt.Errorf("backup_retention_days must be positive, got %d", c.BackupRetentionDays),
		}
	}

	if c.DBDevName == c.LocalDBName {
		return &domain.ValidationError{
			Subject: "config",
			Err:     fmt.Errorf("db_dev_name must differ from local_db_name (%q)", c.LocalDBName),
		}
	}

	for i, t := range c.Archive.UploadTargets {
		if t.Enabled && t.Type == "" {
			return &domain.ValidationError{
				Subject: "config",
				Err:     fmt.Errorf("archive.upload_targets[%d]: type is required", i),
			}
		}
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		return &domain.ValidationError{
			Subject: "config",
			Err:     fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled"),
		}
	}

	return nil
}

func validPort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return &domain.ValidationError{
			Subject: "config",
			Err:     fmt.Errorf("%s must be between 1 and 65535, got %d", key, port),
		}
	}
	return nil
}

// SourceDescriptor describes the production database being dumped.
func (c *Config) SourceDescriptor() domain.ConnectionDescriptor {
	return domain.ConnectionDescriptor{
		Host:     c.DBHost,
		Port:     c.DBPort,
		Database: c.DBName,
		Owner:    c.DBOwner,
		Admin:    c.DBAdmin,
		SSLMode:  c.SSLMode,
		PassFile: c.PgpassFile,
	}
}

// TargetDescriptor describes the database that gets replaced.
func (c *Config) TargetDescriptor() domain.ConnectionDescriptor {
	return domain.ConnectionDescriptor{
		Host:     c.LocalDBHost,
		Port:     c.LocalDBPort,
		Database: c.LocalDBName,
		Owner:    c.LocalDBOwner,
		Admin:    c.LocalDBAdmin,
		SSLMode:  c.SSLMode,
		PassFile: c.PgpassFile,
	}
}

// GrantRoles returns the roles that receive database privileges after a
// restore, defaulting to the target admin role.
func (c *Config) GrantRoles() []string {
	if len(c.Ownership.GrantRoles) > 0 {
		return c.Ownership.GrantRoles
	}
	return []string{c.LocalDBAdmin}
}

func (c *Config) GetEnabledUploadTargets() []UploadTarget {
	var enabled []UploadTarget
	for _, target := range c.Archive.UploadTargets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}
