package main

import (
	"embed"
	"flag"
	"net/http"

	"github.com/golang/glog"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"espflash/internal/config"
	"espflash/internal/manifest"
)

//go:embed all:frontend/dist
var assets embed.FS

var configPath = flag.String("config", "", "path to config.json (default: user config dir)")

func main() {
	flag.Parse()
	defer glog.Flush()

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			glog.Exitf("Error: %v", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		glog.Exitf("Error: %v", err)
	}

	resolver, err := manifest.New(cfg.Source, &http.Client{Timeout: cfg.Source.HTTPTimeout()})
	if err != nil {
		glog.Exitf("Error: %v", err)
	}

	app := NewApp(cfg, resolver)

	err = wails.Run(&options.App{
		Title:  "ESP Release Flasher",
		Width:  650,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 102, G: 126, B: 234, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []any{
			app,
		},
	})
	if err != nil {
		glog.Errorf("Error: %v", err)
	}
}
