package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Defaults().Validate())
}

func TestValidateRejectsInvertedContextSizes(t *testing.T) {
	cfg := Defaults()
	cfg.Context.MinSize = cfg.Context.MaxSize + 1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Defaults()
	cfg.Compression.Strategy = "nonsense"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonMonotoneGuardThresholds(t *testing.T) {
	cfg := Defaults()
	cfg.MemoryGuard.Thresholds.Hard = cfg.MemoryGuard.Thresholds.Soft + 0.1
	assert.Error(t, cfg.Validate())
}

func TestToManagerConfigCarriesFields(t *testing.T) {
	cfg := Defaults()
	mc := cfg.ToManagerConfig()
	assert.Equal(t, cfg.Context.TargetSize, mc.ContextTargetSize)
	assert.Equal(t, cfg.Compression.Threshold, mc.Compression.Threshold)
	assert.Equal(t, cfg.MemoryGuard.Thresholds.Soft, mc.MemoryGuardThresholds.Soft)
	assert.Equal(t, cfg.ToolSupport.SessionTTLSec, mc.ToolSupportSessionTTLSec)
}

func TestLoadReadsYAMLFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccme.yaml")
	require.NoError(t, os.WriteFile(path, []byte("context:\n  targetSize: 9000\n  minSize: 100\n  maxSize: 20000\ncompression:\n  threshold: 0.5\n"), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Context.TargetSize)
	assert.Equal(t, 0.5, cfg.Compression.Threshold)
	// fields left unset in the file keep their defaults.
	assert.Equal(t, Defaults().Snapshots.MaxCount, cfg.Snapshots.MaxCount)
}

func TestLoadRejectsInvalidMergedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccme.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression:\n  threshold: 5\n"), 0o644))

	_, err := Load(viper.New(), path)
	assert.Error(t, err)
}
