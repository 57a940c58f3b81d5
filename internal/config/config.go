// Package config holds the configuration shared by the call client and the
// relay server, loaded from an optional YAML file and overridden by flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Codec names accepted for the signaling frame encoding.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// MaxReconnectAttemptsLimit caps call.max_reconnect_attempts. The backoff
// doubles per attempt, so later attempts would wait for hours anyway.
const MaxReconnectAttemptsLimit = 30

// DefaultSTUNServers are the public STUN servers used for NAT traversal.
// No TURN: peers behind symmetric NATs may fail to connect unless a TURN
// entry is added to ICEServers.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config is the complete configuration.
type Config struct {
	// Signaling configures the relay connection.
	Signaling SignalingConfig `yaml:"signaling"`

	// Call configures negotiation and recovery.
	Call CallConfig `yaml:"call"`

	// Relay configures the relay server (cmd/signald only).
	Relay RelayConfig `yaml:"relay"`
}

// SignalingConfig configures the client side of the relay.
type SignalingConfig struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string `yaml:"url"`

	// Codec is the frame encoding, "json" or "cbor".
	Codec string `yaml:"codec"`

	// HandshakeTimeout bounds the WebSocket dial plus connect handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// CallConfig configures the call core.
type CallConfig struct {
	// ICEServers lists STUN/TURN URLs handed to the peer connection.
	ICEServers []string `yaml:"ice_servers"`

	// ReconnectBaseDelay is the backoff base: delay = base * 2^attempts + jitter.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// ReconnectMaxJitter bounds the random jitter added to each delay.
	ReconnectMaxJitter time.Duration `yaml:"reconnect_max_jitter"`

	// MaxReconnectAttempts caps scheduled reconnects before giving up.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// OfferCheckDelay is how long after attaching local tracks the core
	// checks whether it should send the initial offer itself.
	OfferCheckDelay time.Duration `yaml:"offer_check_delay"`

	// MaxICERestarts caps consecutive ICE restarts before the call is
	// reported ended.
	MaxICERestarts int `yaml:"max_ice_restarts"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	// Listen is the TCP address the relay binds, e.g. ":8080".
	Listen string `yaml:"listen"`

	// AllowedOrigins lists CORS origins; empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Signaling: SignalingConfig{
			URL:              "ws://localhost:8080/ws",
			Codec:            CodecJSON,
			HandshakeTimeout: 10 * time.Second,
		},
		Call: CallConfig{
			ICEServers:           append([]string(nil), DefaultSTUNServers...),
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxJitter:   500 * time.Millisecond,
			MaxReconnectAttempts: 5,
			OfferCheckDelay:      time.Second,
			MaxICERestarts:       3,
		},
		Relay: RelayConfig{
			Listen: ":8080",
		},
	}
}

// Load reads a YAML file on top of Default(). An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that all values are usable.
func (c Config) Validate() error {
	var errs []error

	if c.Signaling.URL != "" {
		u, err := url.Parse(c.Signaling.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("signaling.url must be a ws:// or wss:// URL, got %q", c.Signaling.URL))
		}
	}
	switch c.Signaling.Codec {
	case CodecJSON, CodecCBOR:
	default:
		errs = append(errs, fmt.Errorf("signaling.codec must be %q or %q, got %q", CodecJSON, CodecCBOR, c.Signaling.Codec))
	}
	if c.Signaling.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("signaling.handshake_timeout must be positive"))
	}
	if c.Call.ReconnectBaseDelay <= 0 {
		errs = append(errs, errors.New("call.reconnect_base_delay must be positive"))
	}
	if c.Call.ReconnectMaxJitter < 0 {
		errs = append(errs, errors.New("call.reconnect_max_jitter must not be negative"))
	}
	if c.Call.MaxReconnectAttempts < 0 || c.Call.MaxReconnectAttempts > MaxReconnectAttemptsLimit {
		errs = append(errs, fmt.Errorf("call.max_reconnect_attempts must be between 0 and %d, got %d",
			MaxReconnectAttemptsLimit, c.Call.MaxReconnectAttempts))
	}
	if c.Call.OfferCheckDelay < 0 {
		errs = append(errs, errors.New("call.offer_check_delay must not be negative"))
	}
	if c.Call.MaxICERestarts < 0 {
		errs = append(errs, errors.New("call.max_ice_restarts must not be negative"))
	}

	return errors.Join(errs...)
}
