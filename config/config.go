// Package config provides envconfig-based configuration structs for
// both termshare binaries, following the teacher's config.ServerConfig
// pattern: one struct per concern, `envconfig.Process("", &cfg)`
// populated from the environment with struct-tag defaults.
package config

import "github.com/kelseyhightower/envconfig"

// ServerConfig configures cmd/termshare-server.
type ServerConfig struct {
	WebServer WebServer
	Session   Session
	Log       Log
}

// WebServer controls the HTTP/WS listener.
type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8080"`
}

// Session bounds every Session this process creates, per spec.md §4.3.
type Session struct {
	MaxCols        int `envconfig:"SESSION_MAX_COLS" default:"500"`
	MaxRows        int `envconfig:"SESSION_MAX_ROWS" default:"200"`
	DefaultCols    int `envconfig:"SESSION_DEFAULT_COLS" default:"80"`
	DefaultRows    int `envconfig:"SESSION_DEFAULT_ROWS" default:"24"`
	FrameRate      int `envconfig:"SESSION_FRAME_RATE" default:"30"`
}

// Log controls the zerolog setup shared by both binaries.
type Log struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"true"`
}

// LoadServerConfig populates a ServerConfig from the environment.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// TunnelConfig configures cmd/termshare-tunnel.
type TunnelConfig struct {
	RelayURL           string `envconfig:"TUNNEL_RELAY_URL" required:"true"`
	TunnelID           string `envconfig:"TUNNEL_ID"`
	Namespace          string `envconfig:"TUNNEL_NAMESPACE"`
	Cols               int    `envconfig:"TUNNEL_COLS" default:"80"`
	Rows               int    `envconfig:"TUNNEL_ROWS" default:"24"`
	MaxCols            int    `envconfig:"TUNNEL_MAX_COLS" default:"500"`
	MaxRows            int    `envconfig:"TUNNEL_MAX_ROWS" default:"200"`
	FrameRate          int    `envconfig:"TUNNEL_FRAME_RATE" default:"30"`
	InsecureSkipVerify bool   `envconfig:"TUNNEL_INSECURE_SKIP_VERIFY" default:"false"`
	ReconnectDelaySecs int    `envconfig:"TUNNEL_RECONNECT_DELAY_SECS" default:"5"`

	Log Log
}

// LoadTunnelConfig populates a TunnelConfig from the environment.
func LoadTunnelConfig() (TunnelConfig, error) {
	var cfg TunnelConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return TunnelConfig{}, err
	}
	return cfg, nil
}
