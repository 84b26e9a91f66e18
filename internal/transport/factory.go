package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"jarvis-link/internal/config"
)

func NewDialerFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) (Dialer, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		return NewGRPCDialer(cfg.GRPCAddr, tlsCfg, cfg.Token, cfg.GRPCMethod, logger), nil
	case config.TransportWebSocket:
		url, err := BuildURL(cfg.ServerURL, cfg.Token)
		if err != nil {
			return nil, err
		}
		return NewWebSocketDialer(url, tlsCfg, cfg.ReadLimit, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}
