package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Gateway  GatewayConfig  `yaml:"gateway" mapstructure:"gateway"`
	Selector SelectorConfig `yaml:"selector" mapstructure:"selector"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// GatewayConfig holds text-generation service settings. An empty Key puts
// the gateway in offline mode.
type GatewayConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	DefaultModel      string  `yaml:"default_model" mapstructure:"default_model"`
	AnalysisModel     string  `yaml:"analysis_model" mapstructure:"analysis_model"`
	FilterModel       string  `yaml:"filter_model" mapstructure:"filter_model"`
	ComplianceModel   string  `yaml:"compliance_model" mapstructure:"compliance_model"`
	PlanModel         string  `yaml:"plan_model" mapstructure:"plan_model"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// SelectorConfig configures relevance selection.
type SelectorConfig struct {
	MaxListing             int               `yaml:"max_listing" mapstructure:"max_listing"`
	AlwaysSelectCategories []string          `yaml:"always_select_categories" mapstructure:"always_select_categories"`
	CategoryModels         map[string]string `yaml:"category_models" mapstructure:"category_models"`
}

// PipelineConfig configures stage behavior.
type PipelineConfig struct {
	AnalyzePartitions int      `yaml:"analyze_partitions" mapstructure:"analyze_partitions"`
	PartitionModels   []string `yaml:"partition_models" mapstructure:"partition_models"`
	MaxAmendments     int      `yaml:"max_amendments" mapstructure:"max_amendments"`
	TopN              int      `yaml:"top_n" mapstructure:"top_n"`
}

// IngestConfig configures candidate record loading.
type IngestConfig struct {
	MetadataDir string `yaml:"metadata_dir" mapstructure:"metadata_dir"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VIGILO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "vigilo.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gateway.default_model", "claude-haiku-4-5-20251001")
	v.SetDefault("gateway.analysis_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("gateway.filter_model", "claude-haiku-4-5-20251001")
	v.SetDefault("gateway.compliance_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("gateway.plan_model", "claude-haiku-4-5-20251001")
	v.SetDefault("gateway.temperature", 0.3)
	v.SetDefault("gateway.max_tokens", 4000)
	v.SetDefault("gateway.requests_per_second", 2.0)
	v.SetDefault("selector.max_listing", 15)
	v.SetDefault("selector.always_select_categories", []string{"trade", "tax"})
	v.SetDefault("pipeline.analyze_partitions", 2)
	v.SetDefault("pipeline.max_amendments", 5)
	v.SetDefault("pipeline.top_n", 5)
	v.SetDefault("ingest.metadata_dir", "data/metadata")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
