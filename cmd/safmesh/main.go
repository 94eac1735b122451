// safmesh simulates replica caching and lookup among mobile peers.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/safmesh/safmesh/internal/config"
	"github.com/safmesh/safmesh/internal/metrics"
	"github.com/safmesh/safmesh/internal/sim"
	"github.com/safmesh/safmesh/internal/tracing"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	reportFile  string
	metricsFile string
	traceFile   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "safmesh",
		Short: "safmesh - replica allocation simulator for mobile P2P networks",
		Long: `safmesh runs the SAF replica caching and lookup protocol on a
simulated wireless network of mobile nodes and reports cache hits,
lookups, reallocations and response delays.

Examples:
  # Stock 40-node scenario
  safmesh run

  # Short run from a config file, writing a YAML report
  safmesh run --config sim.yaml --run-time 2000s --report report.yaml

  # Show the parameters a run would use
  safmesh params --total-nodes 20 --data-items 40`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	addParamFlags(runCmd.Flags())
	runCmd.Flags().StringVar(&reportFile, "report", "", "write the run report as YAML to this file")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus text metrics to this file")
	runCmd.Flags().StringVar(&traceFile, "trace", "", "record packets to this zstd JSON-lines file")
	rootCmd.AddCommand(runCmd)

	paramsCmd := &cobra.Command{
		Use:   "params",
		Short: "Print the effective parameters as YAML",
		Args:  cobra.NoArgs,
		RunE:  runParams,
	}
	addParamFlags(paramsCmd.Flags())
	rootCmd.AddCommand(paramsCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "safmesh %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// addParamFlags registers the simulation parameter flags. Defaults shown in
// help come from config.Default; values apply only when a flag is set.
func addParamFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.Duration("run-time", d.RunTime.Std(), "total simulated time")
	fs.Duration("start-delay", d.StartDelay.Std(), "time at which nodes start")
	fs.Uint64("seed", d.Seed, "random seed")
	fs.Uint64("run", d.Run, "run number, for independent runs of one seed")
	fs.Int("total-nodes", d.TotalNodes, "number of nodes")
	fs.Float64("area-width", d.Area.Width, "simulation area width in meters")
	fs.Float64("area-length", d.Area.Length, "simulation area length in meters")
	fs.Float64("min-speed", d.Mobility.MinSpeed, "minimum node speed in m/s")
	fs.Float64("max-speed", d.Mobility.MaxSpeed, "maximum node speed in m/s")
	fs.Duration("min-pause", d.Mobility.MinPause.Std(), "minimum pause at a waypoint")
	fs.Duration("max-pause", d.Mobility.MaxPause.Std(), "maximum pause at a waypoint")
	fs.Float64("wifi-radius", d.Radio.WifiRadius, "radio range in meters, 0 for unlimited")
	fs.Float64("loss", d.Radio.Loss, "independent packet loss probability")
	fs.Duration("request-timeout", d.RequestTimeout.Std(), "time before a request counts as late")
	fs.Uint32("data-size", d.DataSize, "size of every data item in bytes")
	fs.Duration("relocation-period", d.RelocationPeriod.Std(), "reallocation period")
	fs.Int("data-items", d.DataItems, "number of data items across the network")
	fs.Int("replica-space", d.ReplicaSpace, "replica slots per node")
	fs.Int("access-frequency-type", d.AccessFrequencyType, "access frequency model (1 linear, 2 steep, 3 gaussian)")
	fs.Float64("standard-deviation", d.StandardDeviation, "standard deviation for access frequency type 3")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads the config file, if any, and applies explicitly set flags on top.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyFlags(cfg, fs); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "run-time":
			err = setDuration(fs, f.Name, &cfg.RunTime)
		case "start-delay":
			err = setDuration(fs, f.Name, &cfg.StartDelay)
		case "seed":
			cfg.Seed, err = fs.GetUint64(f.Name)
		case "run":
			cfg.Run, err = fs.GetUint64(f.Name)
		case "total-nodes":
			cfg.TotalNodes, err = fs.GetInt(f.Name)
		case "area-width":
			cfg.Area.Width, err = fs.GetFloat64(f.Name)
		case "area-length":
			cfg.Area.Length, err = fs.GetFloat64(f.Name)
		case "min-speed":
			cfg.Mobility.MinSpeed, err = fs.GetFloat64(f.Name)
		case "max-speed":
			cfg.Mobility.MaxSpeed, err = fs.GetFloat64(f.Name)
		case "min-pause":
			err = setDuration(fs, f.Name, &cfg.Mobility.MinPause)
		case "max-pause":
			err = setDuration(fs, f.Name, &cfg.Mobility.MaxPause)
		case "wifi-radius":
			cfg.Radio.WifiRadius, err = fs.GetFloat64(f.Name)
		case "loss":
			cfg.Radio.Loss, err = fs.GetFloat64(f.Name)
		case "request-timeout":
			err = setDuration(fs, f.Name, &cfg.RequestTimeout)
		case "data-size":
			cfg.DataSize, err = fs.GetUint32(f.Name)
		case "relocation-period":
			err = setDuration(fs, f.Name, &cfg.RelocationPeriod)
		case "data-items":
			cfg.DataItems, err = fs.GetInt(f.Name)
		case "replica-space":
			cfg.ReplicaSpace, err = fs.GetInt(f.Name)
		case "access-frequency-type":
			cfg.AccessFrequencyType, err = fs.GetInt(f.Name)
		case "standard-deviation":
			cfg.StandardDeviation, err = fs.GetFloat64(f.Name)
		}
	})
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	return nil
}

func setDuration(fs *pflag.FlagSet, name string, dst *config.Duration) error {
	d, err := fs.GetDuration(name)
	if err != nil {
		return err
	}
	*dst = config.Duration(d)
	return nil
}

func runParams(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), cfg)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	opts := sim.Options{
		RunID:    runID,
		Registry: metrics.NewRegistry(),
		Logger:   log.Logger,
	}
	if traceFile != "" {
		rec, err := tracing.Create(traceFile, runID)
		if err != nil {
			return err
		}
		opts.Recorder = rec
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error().Err(err).Str("path", traceFile).Msg("failed to close trace")
			}
		}()
	}

	started := time.Now()
	res, err := sim.Run(ctx, cfg, opts)
	if err != nil {
		return err
	}
	log.Info().
		Str("run", res.RunID).
		Dur("elapsed", time.Since(started)).
		Uint64("events", res.Events).
		Msg("run complete")

	if err := res.Report.Print(cmd.OutOrStdout()); err != nil {
		return err
	}
	if reportFile != "" {
		if err := writeYAMLFile(reportFile, res); err != nil {
			return err
		}
		log.Info().Str("path", reportFile).Msg("report written")
	}
	if metricsFile != "" {
		if err := res.Collector.WriteTextfile(metricsFile); err != nil {
			return err
		}
		log.Info().Str("path", metricsFile).Msg("metrics written")
	}
	if traceFile != "" {
		log.Info().Str("path", traceFile).Int("events", opts.Recorder.Count()).Msg("trace written")
	}
	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func writeYAMLFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := writeYAML(f, v); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
