package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"reflect"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "gwire"

// Config holds the runtime settings of the protocol engine.
type Config struct {
	Protocol *ProtocolConfig `yaml:"protocol,omitempty"`
	Network  *NetworkConfig  `yaml:"network,omitempty"`
}

// ProtocolConfig bounds message handling.
type ProtocolConfig struct {
	// MaxTTL caps the TTL of locally originated messages.
	MaxTTL uint8 `yaml:"maxTtl,omitempty"`
	// HardTTLLimit bounds TTL+hops on any message we send.
	HardTTLLimit uint8 `yaml:"hardTtlLimit,omitempty"`
	// QueryTTL is the default TTL of outgoing searches.
	QueryTTL uint8 `yaml:"queryTtl,omitempty"`
	// Ultrapeer selects ultrapeer mode for routing decisions.
	Ultrapeer bool `yaml:"ultrapeer,omitempty"`
	// MaxExtensions caps the extensions decoded per tag block.
	MaxExtensions int `yaml:"maxExtensions,omitempty"`
}

// NetworkConfig covers addressing.
type NetworkConfig struct {
	// ListenPort is the advertised TCP/UDP port.
	ListenPort uint16 `yaml:"listenPort,omitempty"`
	// HostileNets are networks whose hits are dropped outright.
	HostileNets []string `yaml:"hostileNets,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default
// configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	proto := zeroOr(cfg.Protocol, defaults.Protocol)
	network := zeroOr(cfg.Network, defaults.Network)

	return &Config{
		Protocol: &ProtocolConfig{
			MaxTTL:        zeroOr(proto.MaxTTL, defaults.Protocol.MaxTTL),
			HardTTLLimit:  zeroOr(proto.HardTTLLimit, defaults.Protocol.HardTTLLimit),
			QueryTTL:      zeroOr(proto.QueryTTL, defaults.Protocol.QueryTTL),
			Ultrapeer:     zeroOr(proto.Ultrapeer, defaults.Protocol.Ultrapeer),
			MaxExtensions: zeroOr(proto.MaxExtensions, defaults.Protocol.MaxExtensions),
		},
		Network: &NetworkConfig{
			ListenPort:  zeroOr(network.ListenPort, defaults.Network.ListenPort),
			HostileNets: zeroOr(network.HostileNets, defaults.Network.HostileNets),
		},
	}, nil
}

// HostilePrefixes parses the configured hostile networks, skipping
// entries that do not parse.
func (n *NetworkConfig) HostilePrefixes() []netip.Prefix {
	var out []netip.Prefix

	for _, s := range n.HostileNets {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
		}
	}

	return out
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
