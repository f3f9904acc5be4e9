package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "gwire/internal/config"
)

func withTempConfigHome(t *testing.T) (restore func(), file string) {
	t.Helper()
	orig := xdg.ConfigHome
	dir := t.TempDir()
	xdg.ConfigHome = dir
	restore = func() { xdg.ConfigHome = orig }
	file = filepath.Join(dir, "gwire")
	return
}

func TestGetConfig_Table(t *testing.T) {
	restore, cfgFile := withTempConfigHome(t)
	defer restore()

	def := cfg.DefaultConfig()

	tests := []struct {
		name      string
		preWrite  bool
		contents  string
		expectErr bool
		check     func(t *testing.T, got *cfg.Config)
	}{
		{
			name:     "missing_file_returns_defaults",
			preWrite: false,
			check: func(t *testing.T, got *cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:     "empty_file_returns_defaults",
			preWrite: true,
			contents: "",
			check: func(t *testing.T, got *cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:      "invalid_yaml_returns_error",
			preWrite:  true,
			contents:  ": not yaml",
			expectErr: true,
		},
		{
			name:     "partial_config_merges_defaults",
			preWrite: true,
			contents: "protocol:\n  queryTtl: 5\n",
			check: func(t *testing.T, got *cfg.Config) {
				assert.EqualValues(t, 5, got.Protocol.QueryTTL)
				assert.Equal(t, def.Protocol.MaxTTL, got.Protocol.MaxTTL)
				assert.Equal(t, def.Network.ListenPort, got.Network.ListenPort)
			},
		},
		{
			name:     "full_protocol_section",
			preWrite: true,
			contents: "protocol:\n  maxTtl: 5\n  hardTtlLimit: 10\n  ultrapeer: true\nnetwork:\n  listenPort: 7000\n  hostileNets: [\"203.0.113.0/24\"]\n",
			check: func(t *testing.T, got *cfg.Config) {
				assert.EqualValues(t, 5, got.Protocol.MaxTTL)
				assert.EqualValues(t, 10, got.Protocol.HardTTLLimit)
				assert.True(t, got.Protocol.Ultrapeer)
				assert.EqualValues(t, 7000, got.Network.ListenPort)
				assert.Len(t, got.Network.HostilePrefixes(), 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.preWrite {
				require.NoError(t, os.WriteFile(cfgFile, []byte(tt.contents), 0o644))
			} else {
				os.Remove(cfgFile)
			}

			got, err := cfg.GetConfig()
			if tt.expectErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestHostilePrefixesSkipsBadEntries(t *testing.T) {
	n := cfg.NetworkConfig{HostileNets: []string{"203.0.113.0/24", "garbage", "10.0.0.0/8"}}
	assert.Len(t, n.HostilePrefixes(), 2)
}
