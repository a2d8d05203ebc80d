package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gem-relay/gem-relay/internal/config"
)

func testConfig(keys ...string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Listen: "localhost:8787"},
		Keys:   keys,
		Retry:  config.RetryConfig{MaxFailures: 3, MaxRetries: 3},
	}
}

func TestBuildCore(t *testing.T) {
	cfg := testConfig("key-aaaaaaaa", "key-bbbbbbbb")

	core := buildCore(cfg, nil, nil)
	require.NotNil(t, core.Registry)
	require.NotNil(t, core.Classifier)
	require.NotNil(t, core.Client)

	assert.Nil(t, core.Pool, "pool should be absent when disabled")
	assert.Equal(t, 3, core.MaxRetries)
	assert.Equal(t, "gemini-2.0-flash", core.TestModel)
	assert.Equal(t, 2, core.Registry.Len())
}

func TestBuildCorePoolEnabled(t *testing.T) {
	cfg := testConfig("key-aaaaaaaa")
	cfg.Pool = config.PoolConfig{Enabled: true, Size: 4, MinThreshold: 2}

	core := buildCore(cfg, nil, nil)
	require.NotNil(t, core.Pool)
	assert.Equal(t, 0, core.Pool.Len())
}

func TestBuildCoreMigratesRegistryState(t *testing.T) {
	cfg := testConfig("key-aaaaaaaa", "key-bbbbbbbb", "key-cccccccc")

	old := buildCore(cfg, nil, nil)
	old.Registry.IncrementFailure("key-aaaaaaaa")
	old.Registry.IncrementFailure("key-aaaaaaaa")
	old.Registry.MarkFailed("key-bbbbbbbb")

	// Reload drops one key and introduces a new one.
	reloaded := testConfig("key-aaaaaaaa", "key-bbbbbbbb", "key-dddddddd")
	fresh := buildCore(reloaded, nil, old)

	assert.Equal(t, 2, fresh.Registry.FailCount("key-aaaaaaaa"))
	assert.False(t, fresh.Registry.IsValid("key-bbbbbbbb"))
	assert.Equal(t, 0, fresh.Registry.FailCount("key-dddddddd"))
}

func TestFindConfigFileDefault(t *testing.T) {
	// Running from a directory without config.yaml falls back to the default
	// name, which Load will then fail on with a useful error.
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	t.Setenv("HOME", tmpDir)

	assert.Equal(t, defaultConfigFile, findConfigFile())
}
