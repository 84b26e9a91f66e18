package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"jarvis-link/internal/agent"
	"jarvis-link/internal/config"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("load config: %v", err)
	}

	logger := agent.BuildLogger(cfg)
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background()); err != nil {
		logger.Error("agent runtime failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers command-line flags over config.Load. Only flags given
// explicitly override the file and environment.
func loadConfig(args []string) (config.Config, error) {
	var (
		path        string
		server      string
		token       string
		transport   string
		cameraDir   string
		audioDevice string
		logLevel    string
		showVersion bool
	)
	fs := pflag.NewFlagSet("jarvis-link", pflag.ContinueOnError)
	fs.StringVarP(&path, "config", "c", "", "YAML config file (JARVIS_* environment overrides it)")
	fs.StringVar(&server, "server", "", "backend URL, e.g. wss://jarvis.local/ws/connect")
	fs.StringVar(&token, "token", "", "session token sent as the token query parameter")
	fs.StringVar(&transport, "transport", "", "websocket or grpc")
	fs.StringVar(&cameraDir, "camera-dir", "", "directory of camera snapshots to stream")
	fs.StringVar(&audioDevice, "audio-device", "", "raw PCM device or FIFO for /record")
	fs.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if showVersion {
		fmt.Println("jarvis-link", config.HardcodedVersion)
		return config.Config{}, pflag.ErrHelp
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("server") {
		cfg.ServerURL = server
	}
	if fs.Changed("token") {
		cfg.Token = token
	}
	if fs.Changed("transport") {
		cfg.Transport = config.TransportMode(transport)
	}
	if fs.Changed("camera-dir") {
		cfg.CameraDir = cameraDir
	}
	if fs.Changed("audio-device") {
		cfg.AudioDevice = audioDevice
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
