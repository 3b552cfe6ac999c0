package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/lowaak/applicator-hub/internal/agent"
	"github.com/lowaak/applicator-hub/internal/fleet"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List applicators in range",
	Long: `Scans for advertising devices until the scan time elapses or the command is
interrupted, printing each device once as it is found.`,
	RunE: runScan,
}

var (
	strongSignal = color.New(color.FgGreen)
	fairSignal   = color.New(color.FgYellow)
	weakSignal   = color.New(color.FgRed)
	dim          = color.New(color.FgCyan)
)

func signalColor(rssi int16) *color.Color {
	switch {
	case rssi >= -60:
		return strongSignal
	case rssi >= -80:
		return fairSignal
	default:
		return weakSignal
	}
}

func printAdvertisement(w io.Writer, ad gatt.Advertisement) {
	name := ad.LocalName
	if name == "" {
		name = "Unknown"
	}
	dim.Fprintf(w, "%-20s ", ad.Address)
	fmt.Fprintf(w, "%-24s ", name)
	signalColor(ad.RSSI).Fprintf(w, "%4d dBm\n", ad.RSSI)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()
	cfg.Server.Enabled = false
	cfg.MQTT.Enabled = false

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}
	c := a.Controller()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	}()

	found := make(chan gatt.Advertisement, 64)
	defer c.Streams().DeviceDiscovered.Listen(found)()
	complete := make(chan fleet.ScanComplete, 1)
	defer c.Streams().ScanComplete.Listen(complete)()

	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanning for %s...\n", cfg.Scan.Duration)
	if err := c.StartScan(); err != nil {
		return err
	}
	for {
		select {
		case ad := <-found:
			printAdvertisement(out, ad)
		case res := <-complete:
			fmt.Fprintf(out, "%d device(s) found\n", res.Found)
			return res.Err
		case <-ctx.Done():
			c.StopScan()
			return ctx.Err()
		}
	}
}
