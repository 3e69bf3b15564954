package nodecfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsOutOfRangeBlockInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockIntervalMS = 5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadQuorumFraction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuorumNumerator = 3
	cfg.QuorumDenominator = 3
	require.Error(t, cfg.Validate())
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	cfg := DefaultConfig()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	t.Setenv("FINDAG_DATA_DIR", "/tmp/findag-override")
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/findag-override", loaded.DataDir)
}
