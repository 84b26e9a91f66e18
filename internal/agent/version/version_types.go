package version

type GetVersionResponse struct {
	ClientID        string `json:"client_id"`
	AgentVersion    string `json:"agent_version"`
	Transport       string `json:"transport"`
	ChannelState    string `json:"channel_state"`
	ProbeListenAddr string `json:"probe_listen_addr"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}
