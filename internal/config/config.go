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
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Solver SolverConfig `yaml:"solver" mapstructure:"solver"`
	Stats  StatsConfig  `yaml:"stats" mapstructure:"stats"`
	Risk   RiskConfig   `yaml:"risk" mapstructure:"risk"`
	Rules  RulesConfig  `yaml:"rules" mapstructure:"rules"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port      int     `yaml:"port" mapstructure:"port"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second per client
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SolverConfig configures the external PowerTOST solver invocation.
type SolverConfig struct {
	RscriptPath string `yaml:"rscript_path" mapstructure:"rscript_path"`
	ScriptPath  string `yaml:"script_path" mapstructure:"script_path"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// StatsConfig holds default statistical parameters for a run.
type StatsConfig struct {
	Power      float64 `yaml:"power" mapstructure:"power"`
	Alpha      float64 `yaml:"alpha" mapstructure:"alpha"`
	Dropout    float64 `yaml:"dropout" mapstructure:"dropout"`
	ScreenFail float64 `yaml:"screen_fail" mapstructure:"screen_fail"`
}

// RiskConfig configures the Monte Carlo risk estimator.
type RiskConfig struct {
	Samples           int     `yaml:"samples" mapstructure:"samples"`
	TargetProbability float64 `yaml:"target_probability" mapstructure:"target_probability"`
	NMin              int     `yaml:"n_min" mapstructure:"n_min"`
	NMax              int     `yaml:"n_max" mapstructure:"n_max"`
	NStep             int     `yaml:"n_step" mapstructure:"n_step"`
}

// RulesConfig points at the rule-table directory.
type RulesConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BEPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "beplan.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("solver.script_path", "r/powertost_runner.R")
	v.SetDefault("solver.timeout_secs", 60)
	v.SetDefault("stats.power", 0.80)
	v.SetDefault("stats.alpha", 0.05)
	v.SetDefault("stats.dropout", 0.10)
	v.SetDefault("stats.screen_fail", 0.20)
	v.SetDefault("risk.samples", 10000)
	v.SetDefault("risk.target_probability", 0.80)
	v.SetDefault("risk.n_min", 12)
	v.SetDefault("risk.n_max", 120)
	v.SetDefault("risk.n_step", 2)
	v.SetDefault("rules.dir", "rules")

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
