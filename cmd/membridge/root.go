package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-membridge/bridge"
	"github.com/wippyai/wasm-membridge/target/linear"
	"github.com/wippyai/wasm-membridge/target/native"
)

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfgFile string
	cfg     *Config
	log     *zap.Logger
	metrics *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "membridge",
		Short: "Share pointer-rich data between Go and foreign memory",
		Long: `membridge drives the memory bridge against native memory and
WebAssembly guests: built-in scenarios, calls into guest exports with
arguments described in YAML, and structure layout inspection.

Configuration is read from membridge.yaml (or --config), MEMBRIDGE_*
environment variables and flags.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		SilenceUsage: true,
	}

	d := bridge.DefaultConfig()
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ./membridge.yaml)")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("color", "auto", "colored output: auto, always, never")
	pf.Int("shadow-pool-size", d.ShadowPoolSize, "freed shadow blocks kept for reuse")
	pf.Uint64("natural-align", d.NaturalAlign, "alignment of relocatable memory without padding")
	pf.Bool("strict-sentinel", d.StrictSentinel, "treat sentinel addresses after a call as errors")

	root.AddCommand(a.scenarioCmd(), a.runCmd(), a.layoutCmd())
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	native.SetLogger(log.Named("native"))
	linear.SetLogger(log.Named("linear"))
	bridge.SetLogger(log.Named("bridge"))

	a.cfg = cfg
	a.log = log
	a.metrics = prometheus.NewRegistry()
	return nil
}

// bridgeConfig returns the bridge settings with this run's logger and a
// metrics namespace unique to name, so several bridges share one registry.
func (a *app) bridgeConfig(name string) bridge.Config {
	bc := a.cfg.Config
	bc.Logger = a.log.Named("bridge").With(zap.String("run", name))
	bc.Registerer = prometheus.WrapRegistererWith(prometheus.Labels{"run": name}, a.metrics)
	return bc
}
