package main

import (
	"github.com/spf13/cobra"

	"espflash/internal/config"
)

// sourceFlags override the configured firmware source.
type sourceFlags struct {
	backend    string
	archive    string
	proxy      string
	sequential bool
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "firmware backend base URL (selects remote mode)")
	cmd.Flags().StringVar(&f.archive, "archive", "", "release archive URL, {chip} is replaced (selects archive mode)")
	cmd.Flags().StringVar(&f.proxy, "proxy", "", "prefix for the archive URL")
	cmd.Flags().BoolVar(&f.sequential, "sequential", false, "download firmware files one at a time")
	cmd.MarkFlagsMutuallyExclusive("backend", "archive")
}

func (f *sourceFlags) apply(cfg *config.Config) error {
	switch {
	case f.backend != "":
		cfg.Source.Mode = config.ModeRemote
		cfg.Source.BackendURL = f.backend
	case f.archive != "":
		cfg.Source.Mode = config.ModeArchive
		cfg.Source.ArchiveURL = f.archive
	}
	if f.proxy != "" {
		cfg.Source.ProxyURL = f.proxy
	}
	if f.sequential {
		cfg.Source.Sequential = true
	}
	return cfg.Validate()
}
