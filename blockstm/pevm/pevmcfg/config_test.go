package pevmcfg

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultUsesGOMAXPROCS(t *testing.T) {
	cfg := Default()
	require.Equal(t, runtime.GOMAXPROCS(0), cfg.ConcurrencyLevel)
	require.Equal(t, uint64(DefaultGasThreshold), cfg.GasThreshold)
}

func TestLoadFillsUnsetFieldsWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pevm.toml")
	require.NoError(t, os.WriteFile(path, []byte("gas_threshold = 1000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cfg.GasThreshold)
	require.Equal(t, runtime.GOMAXPROCS(0), cfg.ConcurrencyLevel)
}

func TestLoadRejectsUnrecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pevm.toml")
	require.NoError(t, os.WriteFile(path, []byte("not_a_real_key = 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
