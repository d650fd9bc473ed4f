package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hpc-queue/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE prepared for the subcommands.
type app struct {
	configFile string
	verbosity  int
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "hpcq",
		Short: "HPC job queue",
		Long:  `Runs simulation jobs on a local machine, a batch cluster, remote hosts or containers, and retries jobs whose compute node died.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager()
			if err := mgr.Load(cmd.Flags(), a.configFile); err != nil {
				return err
			}
			a.cfg = mgr.Get()
			setupLogging(a.cfg.Log, a.verbosity, os.Stderr)
			return nil
		},
	}
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().CountVarP(&a.verbosity, "verbosity", "v", "Increase logging verbosity (repeatable)")
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newAgentCmd(a))
	return rootCmd
}

// setupLogging configures the global zerolog logger. Each -v lowers the
// configured level by one step.
func setupLogging(cfg config.LogConfig, verbosity int, out io.Writer) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	for i := 0; i < verbosity && level > zerolog.TraceLevel; i++ {
		level--
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
