package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var monitorFlags struct {
	port string
	baud int
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print device output from a serial port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		baud := monitorFlags.baud
		if baud <= 0 {
			baud = cfg.MonitorBaud
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runMonitor(ctx, &terminal{w: cmd.OutOrStdout()}, monitorFlags.port, baud)
	},
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorFlags.port, "port", "p", "", "serial port")
	monitorCmd.Flags().IntVarP(&monitorFlags.baud, "baud", "b", 0, "baud rate (default from config)")
	monitorCmd.MarkFlagRequired("port")
	rootCmd.AddCommand(monitorCmd)
}
