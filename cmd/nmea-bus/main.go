// Package main is the nmea-bus command: it runs the bus from a configuration file and offers
// a few offline helpers for NMEA logs and serial ports.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
)

var log = logging.Logger("nmea-bus")

var rootCmd = &cobra.Command{
	Use:   "nmea-bus",
	Short: "NMEA0183 message bus",
	Long: `nmea-bus decodes NMEA0183 from serial ports, TCP, UDP, websockets, recordings and
a built-in simulator, caches the latest state and routes sentences between endpoints.
With a route it acts as an autopilot navigation source.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bus from the configuration file",
	Args:  cobra.NoArgs,
	RunE:  runBus,
}

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode NMEA lines from a file or stdin and print them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDecode,
}

var summaryCmd = &cobra.Command{
	Use:   "summary <recording>",
	Short: "Summarize a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printLogSummary(cmd.OutOrStdout(), args[0])
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE:  runPorts,
}

var (
	configPath string
	debug      bool
	decodeRaw  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./nmea-bus.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	decodeCmd.Flags().BoolVar(&decodeRaw, "raw", false, "print sentences without a decoder too")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
