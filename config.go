package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Settings is the service configuration
type Settings struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Rules struct {
		File string `mapstructure:"file"`
	} `mapstructure:"rules"`
	Rollup struct {
		Interval time.Duration `mapstructure:"interval"`
		Lookback time.Duration `mapstructure:"lookback"`
	} `mapstructure:"rollup"`
	Alerts struct {
		Interval time.Duration `mapstructure:"interval"`
		Workers  int           `mapstructure:"workers"`
	} `mapstructure:"alerts"`
	Forecast struct {
		ConfidenceLevel float64 `mapstructure:"confidence_level"`
		Workers         int     `mapstructure:"workers"`
	} `mapstructure:"forecast"`
	Retention struct {
		RawDays    int `mapstructure:"raw_days"`
		HourlyDays int `mapstructure:"hourly_days"`
	} `mapstructure:"retention"`
	Query struct {
		DefaultLimit        int `mapstructure:"default_limit"`
		MaxLimit            int `mapstructure:"max_limit"`
		DefaultTargetPoints int `mapstructure:"default_target_points"`
	} `mapstructure:"query"`
}

var settings = defaultSettings()

func defaultSettings() Settings {
	var s Settings
	s.Server.Port = 8080
	s.DB.Path = "./linewatch.db"
	s.Log.Level = "info"
	s.Rules.File = "./rules.yaml"
	s.Rollup.Interval = 5 * time.Minute
	s.Rollup.Lookback = 2 * time.Hour
	s.Alerts.Interval = time.Minute
	s.Alerts.Workers = 4
	s.Forecast.ConfidenceLevel = 0.95
	s.Forecast.Workers = 3
	s.Retention.RawDays = 30
	s.Retention.HourlyDays = 365
	s.Query.DefaultLimit = 1000
	s.Query.MaxLimit = 10000
	s.Query.DefaultTargetPoints = 100
	return s
}

// loadSettings reads config.yaml (optional) and LINEWATCH_* environment overrides
func loadSettings(configPath string) (Settings, error) {
	defaults := defaultSettings()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LINEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("db.path", defaults.DB.Path)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("rules.file", defaults.Rules.File)
	v.SetDefault("rollup.interval", defaults.Rollup.Interval)
	v.SetDefault("rollup.lookback", defaults.Rollup.Lookback)
	v.SetDefault("alerts.interval", defaults.Alerts.Interval)
	v.SetDefault("alerts.workers", defaults.Alerts.Workers)
	v.SetDefault("forecast.confidence_level", defaults.Forecast.ConfidenceLevel)
	v.SetDefault("forecast.workers", defaults.Forecast.Workers)
	v.SetDefault("retention.raw_days", defaults.Retention.RawDays)
	v.SetDefault("retention.hourly_days", defaults.Retention.HourlyDays)
	v.SetDefault("query.default_limit", defaults.Query.DefaultLimit)
	v.SetDefault("query.max_limit", defaults.Query.MaxLimit)
	v.SetDefault("query.default_target_points", defaults.Query.DefaultTargetPoints)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return defaults, fmt.Errorf("error reading config file: %w", err)
			}
			log.Debug().Str("config_path", configPath).Msg("[Config] Configuration file not found, using defaults")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return defaults, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if s.Alerts.Workers <= 0 {
		s.Alerts.Workers = 1
	}
	if s.Forecast.Workers <= 0 {
		s.Forecast.Workers = 1
	}
	if s.Query.MaxLimit <= 0 {
		s.Query.MaxLimit = defaults.Query.MaxLimit
	}
	if s.Rollup.Interval <= 0 {
		s.Rollup.Interval = defaults.Rollup.Interval
	}
	if s.Alerts.Interval <= 0 {
		s.Alerts.Interval = defaults.Alerts.Interval
	}
	return s, nil
}

// setupLogging configures the global zerolog logger: console on stdout and,
// when a file is configured, JSON lines into a rotated log file
func setupLogging(level, file string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// RuleConfig represents an alert rule in the YAML rules file
type RuleConfig struct {
	Name                string   `yaml:"name"`
	MetricType          string   `yaml:"metricType"`
	Operator            string   `yaml:"operator"`
	Threshold           float64  `yaml:"threshold"`
	ThresholdMax        *float64 `yaml:"thresholdMax,omitempty"`
	Severity            string   `yaml:"severity,omitempty"`
	ConsecutiveBreaches int      `yaml:"consecutiveBreaches,omitempty"`
	CooldownMinutes     int      `yaml:"cooldownMinutes,omitempty"`
	Inactive            bool     `yaml:"inactive,omitempty"`
}

// RulesFile represents the root of the YAML rules file
type RulesFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// loadRulesFromYAML loads alert rules from a YAML file.
// Returns rules with their config hashes calculated.
func loadRulesFromYAML(path string) ([]AlertRule, []string, error) {
	if path == "" {
		return nil, nil, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug().Str("rules_path", path).Msg("[Config] Rules file not found")
		return nil, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	rules := make([]AlertRule, 0, len(file.Rules))
	hashes := make([]string, 0, len(file.Rules))
	for _, cfg := range file.Rules {
		if cfg.Name == "" || cfg.MetricType == "" {
			log.Warn().Msg("[Config] Skipping rule with missing name or metricType")
			continue
		}
		rule := AlertRule{
			Name:                        cfg.Name,
			MetricType:                  cfg.MetricType,
			Operator:                    Operator(cfg.Operator),
			Threshold:                   cfg.Threshold,
			ThresholdMax:                cfg.ThresholdMax,
			Severity:                    cfg.Severity,
			ConsecutiveBreachesRequired: cfg.ConsecutiveBreaches,
			CooldownMinutes:             cfg.CooldownMinutes,
			IsActive:                    !cfg.Inactive,
		}
		normalizeRule(&rule)
		if err := validateRule(rule); err != nil {
			log.Warn().Err(err).Str("name", cfg.Name).Msg("[Config] Skipping invalid rule")
			continue
		}
		hash := calculateRuleHash(cfg)
		rule.ConfigHash = hash

		rules = append(rules, rule)
		hashes = append(hashes, hash)
	}

	log.Info().Int("count", len(rules)).Str("rules_path", path).Msg("[Config] Loaded rules")
	return rules, hashes, nil
}

// calculateRuleHash hashes the rule definition so edits in the YAML file are detected
func calculateRuleHash(cfg RuleConfig) string {
	maxStr := "-"
	if cfg.ThresholdMax != nil {
		maxStr = fmt.Sprintf("%g", *cfg.ThresholdMax)
	}
	configStr := fmt.Sprintf("%s|%s|%s|%g|%s|%s|%d|%d|%v",
		cfg.Name,
		cfg.MetricType,
		cfg.Operator,
		cfg.Threshold,
		maxStr,
		cfg.Severity,
		cfg.ConsecutiveBreaches,
		cfg.CooldownMinutes,
		cfg.Inactive,
	)

	hash := sha256.Sum256([]byte(configStr))
	return hex.EncodeToString(hash[:])
}
