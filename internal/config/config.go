package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// ErrConfigNotFound is returned by Load when an explicitly named path
// does not exist.
var ErrConfigNotFound = errors.New("config: file not found")

// Config is quartzdb's top-level configuration, built from a TOML file
// on disk with an environment-variable overlay.
type Config struct {
	// DataDir is the directory holding the bbolt data file and any
	// sibling lock/changelog files.
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`

	// PlanCacheSize bounds the query planner's plan cache entry count.
	PlanCacheSize int `toml:"plan_cache_size" mapstructure:"plan_cache_size"`

	// FanoutBudgetDefault is the default per-query traversal fanout
	// budget applied when a query does not set its own.
	FanoutBudgetDefault int `toml:"fanout_budget_default" mapstructure:"fanout_budget_default"`

	// MigrationBatchSize is the default Config.BatchSize the migration
	// executor uses for backfill batches when a caller doesn't override it.
	MigrationBatchSize int `toml:"migration_batch_size" mapstructure:"migration_batch_size"`

	// RLSPolicyFile and CapabilityFile are paths to the declarative
	// policy files internal/security loads at startup and hot-reloads
	// via PolicyWatcher. Empty means no policy file (deny-by-default
	// security is enforced purely in code).
	RLSPolicyFile  string `toml:"rls_policy_file" mapstructure:"rls_policy_file"`
	CapabilityFile string `toml:"capability_file" mapstructure:"capability_file"`

	// Telemetry controls the OpenTelemetry exporter internal/telemetry.Init uses.
	Telemetry TelemetryConfig `toml:"telemetry" mapstructure:"telemetry"`
}

// TelemetryConfig mirrors telemetry.Config's on-disk shape. Kept separate
// from internal/telemetry to avoid config depending on the OTel SDK.
type TelemetryConfig struct {
	ServiceName    string        `toml:"service_name" mapstructure:"service_name"`
	Exporter       string        `toml:"exporter" mapstructure:"exporter"` // "none", "stdout", "otlp"
	OTLPEndpoint   string        `toml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool          `toml:"otlp_insecure" mapstructure:"otlp_insecure"`
	MetricInterval time.Duration `toml:"metric_interval" mapstructure:"metric_interval"`
}

// defaults returns a Config pre-populated with the values used when a key
// is absent from both the file and the environment.
func defaults() Config {
	return Config{
		DataDir:             ".quartzdb",
		PlanCacheSize:       256,
		FanoutBudgetDefault: 10_000,
		MigrationBatchSize:  500,
		Telemetry:           TelemetryConfig{ServiceName: "quartzdb", Exporter: "none"},
	}
}

// Load reads path (a TOML file) into a Config seeded with defaults, then
// overlays any QUARTZDB_-prefixed environment variables (e.g.
// QUARTZDB_DATA_DIR overrides data_dir, QUARTZDB_TELEMETRY_EXPORTER
// overrides telemetry.exporter). A missing file is not an error as long
// as path is empty; an explicitly named missing file returns
// ErrConfigNotFound wrapped with the path.
func Load(path string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("QUARTZDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return cfg, err
		}
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s for env overlay: %w", path, err)
		}
	}

	applyEnvOverlay(v, &cfg)
	return cfg, nil
}

// applyEnvOverlay copies any QUARTZDB_-prefixed environment variable that
// viper resolved over the matching Config field. Only the scalar leaf
// keys consumers actually override are bound; nested struct overlay for
// Telemetry is handled explicitly since mapstructure squash needs a
// concrete Unmarshal target.
func applyEnvOverlay(v *viper.Viper, cfg *Config) {
	bind := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	bindInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	bindBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	bind("data_dir", &cfg.DataDir)
	bindInt("plan_cache_size", &cfg.PlanCacheSize)
	bindInt("fanout_budget_default", &cfg.FanoutBudgetDefault)
	bindInt("migration_batch_size", &cfg.MigrationBatchSize)
	bind("rls_policy_file", &cfg.RLSPolicyFile)
	bind("capability_file", &cfg.CapabilityFile)
	bind("telemetry.service_name", &cfg.Telemetry.ServiceName)
	bind("telemetry.exporter", &cfg.Telemetry.Exporter)
	bind("telemetry.otlp_endpoint", &cfg.Telemetry.OTLPEndpoint)
	bindBool("telemetry.otlp_insecure", &cfg.Telemetry.OTLPInsecure)
	if v.IsSet("telemetry.metric_interval") {
		cfg.Telemetry.MetricInterval = v.GetDuration("telemetry.metric_interval")
	}
}

// ResolveDataDir returns cfg.DataDir as an absolute path, creating it
// (and any parents) if it doesn't already exist.
func ResolveDataDir(cfg Config) (string, error) {
	dir := cfg.DataDir
	if dir == "" {
		dir = defaults().DataDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("config: resolve data dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("config: create data dir %s: %w", abs, err)
	}
	return abs, nil
}
