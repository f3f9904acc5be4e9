package config

const (
	maxTTL        = 7
	hardTTLLimit  = 15
	queryTTL      = 4
	ultrapeer     = false
	maxExtensions = 16
	listenPort    = 6346
)

func DefaultConfig() Config {
	return Config{
		Protocol: &ProtocolConfig{
			MaxTTL:        maxTTL,
			HardTTLLimit:  hardTTLLimit,
			QueryTTL:      queryTTL,
			Ultrapeer:     ultrapeer,
			MaxExtensions: maxExtensions,
		},
		Network: &NetworkConfig{
			ListenPort: listenPort,
		},
	}
}
