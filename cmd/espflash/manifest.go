package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"espflash/internal/manifest"
)

var manifestFlags struct {
	chip   string
	source sourceFlags
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Resolve and print the flash manifest for a chip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := manifestFlags.source.apply(cfg); err != nil {
			return err
		}
		chip := manifestFlags.chip
		if chip == "" {
			chip = cfg.DefaultChip
		}

		r, err := manifest.New(cfg.Source, &http.Client{Timeout: cfg.Source.HTTPTimeout()})
		if err != nil {
			return err
		}
		m, err := r.Resolve(cmd.Context(), chip)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tSIZE\tFILE")
		for _, img := range m {
			fmt.Fprintf(w, "0x%05x\t%d\t%s\n", img.Address, len(img.Data), img.Name)
		}
		fmt.Fprintf(w, "\t%d\ttotal\n", m.TotalSize())
		return w.Flush()
	},
}

func init() {
	manifestCmd.Flags().StringVar(&manifestFlags.chip, "chip", "", "target chip (default from config)")
	manifestFlags.source.register(manifestCmd)
	rootCmd.AddCommand(manifestCmd)
}
