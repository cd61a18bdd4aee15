// Package config loads CLI configuration from defaults, an optional YAML
// file, ANOMALYTUNE_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hed1ad/anomalytune/pkg/detectors/catalog"
)

// EnvPrefix prefixes every environment override, e.g. ANOMALYTUNE_ESTIMATOR_K.
const EnvPrefix = "ANOMALYTUNE"

// EstimatorConfig holds estimator hyperparameters.
type EstimatorConfig struct {
	Name          string  `mapstructure:"name" validate:"required"`
	K             int     `mapstructure:"k" validate:"min=1"`
	Algo          string  `mapstructure:"algo" validate:"oneof=average max"`
	Novelty       bool    `mapstructure:"novelty"`
	Contamination float64 `mapstructure:"contamination" validate:"gt=0,lt=1"`
	Workers       int     `mapstructure:"workers" validate:"min=0"`

	Sigma float64 `mapstructure:"sigma" validate:"gt=0"`
	Nu    float64 `mapstructure:"nu" validate:"gt=0,lte=1"`

	Trees               int     `mapstructure:"trees" validate:"min=1"`
	SampleSize          int     `mapstructure:"sample_size" validate:"min=1"`
	Seed                int64   `mapstructure:"seed"`
	ForestContamination float64 `mapstructure:"forest_contamination" validate:"gte=0,lte=0.5"`

	Bandwidth float64 `mapstructure:"bandwidth" validate:"gt=0"`
}

// InputConfig describes how datasets are read.
type InputConfig struct {
	Format        string `mapstructure:"format" validate:"oneof=csv pcap"`
	Header        bool   `mapstructure:"header"`
	SkipMalformed bool   `mapstructure:"skip_malformed"`
}

// OutputConfig describes how results are written.
type OutputConfig struct {
	Format   string `mapstructure:"format" validate:"oneof=json yaml"`
	Features bool   `mapstructure:"features"`
	Summary  bool   `mapstructure:"summary"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// Config is the complete CLI configuration.
type Config struct {
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Input     InputConfig     `mapstructure:"input"`
	Output    OutputConfig    `mapstructure:"output"`
	Log       LogConfig       `mapstructure:"log"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := catalog.DefaultParams()

	v.SetDefault("estimator.name", d.Name)
	v.SetDefault("estimator.k", d.K)
	v.SetDefault("estimator.algo", d.Algo)
	v.SetDefault("estimator.novelty", false)
	v.SetDefault("estimator.contamination", d.Contamination)
	v.SetDefault("estimator.workers", d.Workers)
	v.SetDefault("estimator.sigma", d.Sigma)
	v.SetDefault("estimator.nu", d.Nu)
	v.SetDefault("estimator.trees", d.Trees)
	v.SetDefault("estimator.sample_size", d.SampleSize)
	v.SetDefault("estimator.seed", d.Seed)
	v.SetDefault("estimator.forest_contamination", d.ForestContamination)
	v.SetDefault("estimator.bandwidth", d.Bandwidth)

	v.SetDefault("input.format", "csv")
	v.SetDefault("input.header", true)
	v.SetDefault("input.skip_malformed", false)

	v.SetDefault("output.format", "json")
	v.SetDefault("output.features", false)
	v.SetDefault("output.summary", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewViper returns a viper instance with defaults and environment lookup
// configured. Callers bind flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v, then decodes and
// validates the merged configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and that the estimator name is known.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, name := range catalog.Names() {
		if name == c.Estimator.Name {
			return nil
		}
	}
	return fmt.Errorf("invalid config: estimator %q: %w", c.Estimator.Name, catalog.ErrUnknownEstimator)
}

// Params converts the estimator section into catalog parameters.
func (c EstimatorConfig) Params(logger *zap.SugaredLogger) catalog.Params {
	return catalog.Params{
		Name:                c.Name,
		K:                   c.K,
		Algo:                c.Algo,
		Novelty:             c.Novelty,
		Contamination:       c.Contamination,
		Workers:             c.Workers,
		Sigma:               c.Sigma,
		Nu:                  c.Nu,
		Trees:               c.Trees,
		SampleSize:          c.SampleSize,
		Seed:                c.Seed,
		ForestContamination: c.ForestContamination,
		Bandwidth:           c.Bandwidth,
		Logger:              logger,
	}
}
