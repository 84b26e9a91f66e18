package version

import (
	"time"

	"jarvis-link/internal/config"
)

func Get(cfg config.Config, channelState string) *GetVersionResponse {
	return &GetVersionResponse{
		ClientID:        cfg.ClientID,
		AgentVersion:    cfg.AgentVersion,
		Transport:       string(cfg.Transport),
		ChannelState:    channelState,
		ProbeListenAddr: cfg.ProbeListenAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}
