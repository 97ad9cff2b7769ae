package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"espflash/internal/config"
	"espflash/internal/esp"
	"espflash/internal/manifest"
	"espflash/internal/monitor"
	"espflash/internal/orchestrator"
)

var flashFlags struct {
	port       string
	chip       string
	source     sourceFlags
	baud       int
	mode       string
	size       string
	freq       string
	eraseAll   bool
	noCompress bool
	verify     bool
	monitor    bool
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash the release firmware for a chip",
	Long:  "Connect to the board, fetch the firmware release for the chip, write it, reset the board and disconnect.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := flashFlags.source.apply(cfg); err != nil {
			return err
		}
		applyFlashFlags(cmd, cfg)

		chip := flashFlags.chip
		if chip == "" {
			chip = cfg.DefaultChip
		}

		resolver, err := manifest.New(cfg.Source, &http.Client{Timeout: cfg.Source.HTTPTimeout()})
		if err != nil {
			return err
		}

		term := &terminal{w: cmd.OutOrStdout()}
		orch := orchestrator.New(orchestrator.Options{
			Driver:    esp.Driver{ROMBaud: cfg.BaudRates.ROM, Log: term.Log},
			Resolver:  resolver,
			Console:   term,
			Flash:     cfg.Flash,
			BaudRates: cfg.BaudRates,
		})

		// Ctrl-C aborts connecting and fetching; a started write runs to
		// completion.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var sel orchestrator.PortSelector = orchestrator.StaticPort(flashFlags.port)
		if flashFlags.port == "" {
			sel = orchestrator.PortSelectorFunc(func(context.Context) (string, error) {
				p, err := esp.FirstUSBPort()
				if err != nil {
					return "", fmt.Errorf("%w; pass --port", err)
				}
				return p, nil
			})
		}

		info, err := orch.Connect(ctx, sel, chip)
		if err != nil {
			return err
		}

		run := orch.Flash(ctx, chip)
		for p := range run.Events() {
			term.Progress(p)
		}
		if err := run.Wait(); err != nil {
			return err
		}

		if flashFlags.monitor {
			return runMonitor(ctx, term, info.Port, cfg.MonitorBaud)
		}
		return nil
	},
}

// applyFlashFlags copies explicitly set flags over the configuration.
func applyFlashFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("baud") {
		cfg.BaudRates.Default = flashFlags.baud
		cfg.BaudRates.ConstrainedChips = nil
	}
	if f.Changed("flash-mode") {
		cfg.Flash.Mode = flashFlags.mode
	}
	if f.Changed("flash-size") {
		cfg.Flash.Size = flashFlags.size
	}
	if f.Changed("flash-freq") {
		cfg.Flash.Frequency = flashFlags.freq
	}
	if f.Changed("erase-all") {
		cfg.Flash.EraseAll = flashFlags.eraseAll
	}
	if f.Changed("no-compress") {
		cfg.Flash.Compress = !flashFlags.noCompress
	}
	if f.Changed("verify") {
		cfg.Flash.Verify = flashFlags.verify
	}
	glog.V(1).Infof("Flash options: %+v, baud rates: %+v", cfg.Flash, cfg.BaudRates)
}

func runMonitor(ctx context.Context, term *terminal, port string, baud int) error {
	errCh := make(chan error, 1)
	m := &monitor.Monitor{
		OnLine:  func(line string) { term.Log(line) },
		OnError: func(err error) { errCh <- err },
	}
	if err := m.Start(port, baud); err != nil {
		return err
	}
	defer m.Stop()
	term.Log(fmt.Sprintf("Monitoring %s at %d baud, Ctrl-C to exit", port, baud))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func init() {
	f := flashCmd.Flags()
	f.StringVarP(&flashFlags.port, "port", "p", "", "serial port (default: first USB serial port)")
	f.StringVar(&flashFlags.chip, "chip", "", "target chip (default from config)")
	f.IntVarP(&flashFlags.baud, "baud", "b", 0, "flashing baud rate for every chip")
	f.StringVar(&flashFlags.mode, "flash-mode", "", "flash mode: qio, qout, dio, dout or keep")
	f.StringVar(&flashFlags.size, "flash-size", "", "flash size, e.g. 4MB, or keep")
	f.StringVar(&flashFlags.freq, "flash-freq", "", "flash frequency: 80m, 40m, 26m, 20m or keep")
	f.BoolVar(&flashFlags.eraseAll, "erase-all", false, "erase the whole flash first (needs --flash-size)")
	f.BoolVar(&flashFlags.noCompress, "no-compress", false, "send images uncompressed")
	f.BoolVar(&flashFlags.verify, "verify", false, "verify each image with an MD5 read-back")
	f.BoolVar(&flashFlags.monitor, "monitor", false, "show device output after flashing")
	flashFlags.source.register(flashCmd)
	rootCmd.AddCommand(flashCmd)
}
