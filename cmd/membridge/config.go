package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-membridge/bridge"
)

// Config is the CLI configuration: the bridge settings plus output options.
// It is read from membridge.yaml, MEMBRIDGE_* variables and flags, in
// increasing priority.
type Config struct {
	bridge.Config `mapstructure:",squash"`

	LogLevel string `mapstructure:"log_level"`
	Color    string `mapstructure:"color"`
}

func setDefaults(v *viper.Viper) {
	d := bridge.DefaultConfig()
	v.SetDefault("metrics_namespace", d.MetricsNamespace)
	v.SetDefault("shadow_pool_size", d.ShadowPoolSize)
	v.SetDefault("natural_align", d.NaturalAlign)
	v.SetDefault("strict_sentinel", d.StrictSentinel)
	v.SetDefault("log_level", "warn")
	v.SetDefault("color", "auto")
}

// loadConfig reads the configuration. An explicit file must exist; the
// default membridge.yaml in the working directory is optional.
func loadConfig(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("membridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("MEMBRIDGE")
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	switch cfg.Color {
	case "auto", "always", "never":
	default:
		return nil, fmt.Errorf("color must be auto, always or never, got %q", cfg.Color)
	}
	return &cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}
