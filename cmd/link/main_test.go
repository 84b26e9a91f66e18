package main

import (
	"testing"

	"jarvis-link/internal/config"
)

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("JARVIS_SERVER_URL", "ws://env-host/ws/connect")
	t.Setenv("JARVIS_TOKEN", "env-token")

	cfg, err := loadConfig([]string{"--server", "wss://flag-host/ws/connect", "--transport", "grpc"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "wss://flag-host/ws/connect" {
		t.Errorf("server = %q, want flag value", cfg.ServerURL)
	}
	if cfg.Token != "env-token" {
		t.Errorf("token = %q, want env value", cfg.Token)
	}
	if cfg.Transport != config.TransportGRPC {
		t.Errorf("transport = %q", cfg.Transport)
	}
}

func TestLoadConfigRejectsInvalidFlag(t *testing.T) {
	if _, err := loadConfig([]string{"--transport", "carrier-pigeon"}); err == nil {
		t.Fatal("invalid transport accepted")
	}
	if _, err := loadConfig([]string{"--no-such-flag"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
}
