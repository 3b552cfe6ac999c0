package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/lowaak/applicator-hub/internal/agent"
	"github.com/lowaak/applicator-hub/internal/config"
	"github.com/lowaak/applicator-hub/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// formatVersion adds a 'v' prefix when the version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "applicator-hub",
	Short: "Controls a fleet of BLE applicators",
	Long: `Connects to a fleet of Bluetooth LE applicators, keeps the links alive and
polls their status. Readings and events are published over a websocket API
and MQTT; commands are accepted from both.`,
	Version:       formatVersion(version),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hub until interrupted",
	RunE:  runHub,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "applicator-hub %s (%s)\n", formatVersion(version), commit)
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd, scanCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger from it.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runHub(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()
	return a.Run(ctx)
}
