// Command espflash writes release firmware to ESP32-family boards from the
// terminal.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"espflash/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "espflash",
	Short:         "Flash release firmware to ESP32 boards",
	Long:          "Fetch the firmware release for a chip from a backend or a zipped archive and write it to a board over its serial port.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default: user config dir)")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return config.Load(path)
}

func main() {
	// glog reads its settings from the go flag set, which cobra parses.
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
}
