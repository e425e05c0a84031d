// Package cmd provides the CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oetiker/logfetcher/internal/config"
	"github.com/oetiker/logfetcher/internal/scheduler"
)

// Version information - set at build time via ldflags.
//
//nolint:gochecknoglobals // build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
	BuiltBy   = "unknown"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var (
	cfgFile     string
	verbose     bool
	showVersion bool
	appConfig   config.Config
)

// rootCmd is the "fetch" command: logfetcher has exactly one mode of
// operation, so there is no need for a verb-per-subcommand tree.
//
//nolint:gochecknoglobals // cobra requires package-level command variable
var rootCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Harvest rotated log files from remote hosts over ssh",
	Long: `fetch periodically lists rotated log files on each configured host over a
persistent ssh control channel, and downloads newly rotated files into a
date-stamped local directory tree, compressing on the fly and verifying
both gzip integrity and the remote timestamp before a file is considered
complete.`,
	SilenceUsage: true,
	RunE:         run,
}

// Execute runs the root command.
func Execute() {
	for _, arg := range os.Args[1:] {
		if arg == "-V" || arg == "--version" {
			printVersion()
			return
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $LOGFETCHER_CFG or ./etc/logfetcher.cfg)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print version information and exit")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging to stdout in addition to the configured log file")
}

func run(_ *cobra.Command, _ []string) error {
	if showVersion {
		printVersion()
		return nil
	}

	sched := scheduler.New(appConfig, scheduler.WithLogger(log.Logger))
	log.Info().Strs("hosts", sched.EngineNames()).Msg("starting logfetcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()

		<-sigCh
		log.Warn().Msg("received second signal, forcing exit")
		os.Exit(1)
	}()

	return sched.Run(ctx)
}

//nolint:forbidigo // CLI version output requires fmt.Printf
func printVersion() {
	fmt.Printf("logfetcher %s\n", Version)
	fmt.Printf("  commit:   %s\n", Commit)
	fmt.Printf("  built:    %s\n", BuildDate)
	fmt.Printf("  built by: %s\n", BuiltBy)
}

func initConfig() {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	appConfig = cfg

	setupLogging(cfg)
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			log.Fatal().Err(err).Str("logFile", cfg.General.LogFile).Msg("failed to open log file")
		}
		writers = append(writers, f)
	}
	if verbose || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout})
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...)) //nolint:reassign // standard zerolog pattern
}
