package main

import (
	"errors"
	"testing"

	"espflash/internal/config"
	"espflash/internal/orchestrator"
)

func TestChipsDefaultFirst(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultChip = "esp32s3"
	a := NewApp(cfg, nil)

	got := a.Chips()
	want := []string{"esp32s3", "esp32", "esp32c3"}
	if len(got) != len(want) {
		t.Fatalf("Chips() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Chips() = %v, want %v", got, want)
			break
		}
	}
}

func TestFlashWithoutSession(t *testing.T) {
	a := NewApp(config.Default(), nil)
	if err := a.Flash("esp32"); !errors.Is(err, orchestrator.ErrNotConnected) {
		t.Fatalf("Flash() error = %v, want ErrNotConnected", err)
	}
	if c := a.Controls(); c.State != "idle" || !c.ConnectEnabled || c.FlashEnabled {
		t.Errorf("Controls() = %+v", c)
	}
}

func TestDisconnectWithoutSession(t *testing.T) {
	a := NewApp(config.Default(), nil)
	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
}
