package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimoire/collab/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "worker", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.NotNil(t, worker.Flags().Lookup("metrics-addr"))
	assert.NotNil(t, worker.Flags().Lookup("reindex"))

	migrate, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)
	assert.NotNil(t, migrate.Flags().Lookup("down"))
}

func TestRelayConfigFromEnvironment(t *testing.T) {
	cfg := config.Config{
		RelayStream:        "relay:test",
		RelayGroup:         "group",
		RelayConsumer:      "host-1",
		RelayConcurrency:   2,
		RelayMaxAttempts:   7,
		RelayKeepCompleted: 10,
		RelayKeepFailed:    20,
		RelayClaimIdle:     30 * time.Second,
		RelayDedupWindow:   5 * time.Second,
	}
	rc := relayConfig(cfg)

	assert.Equal(t, "relay:test", rc.Stream)
	assert.Equal(t, "relay:test:completed", rc.CompletedStream)
	assert.Equal(t, "relay:test:failed", rc.FailedStream)
	assert.Equal(t, "relay:test:delayed", rc.DelayedSet)
	assert.Equal(t, "host-1", rc.Consumer)
	assert.Equal(t, 2, rc.Concurrency)
	assert.Equal(t, 7, rc.MaxAttempts)
	assert.Equal(t, int64(10), rc.KeepCompleted)
	assert.Equal(t, int64(20), rc.KeepFailed)
	assert.Equal(t, 30*time.Second, rc.ClaimIdle)
	assert.Equal(t, 5*time.Second, rc.DedupWindow)
	assert.Equal(t, 5*time.Second, rc.BlockTimeout)
}

func TestRegistryConfigFromEnvironment(t *testing.T) {
	rc := registryConfig(config.Config{
		StoreDebounce: time.Second,
		StoreMaxWait:  4 * time.Second,
		StoreTimeout:  12 * time.Second,
	})
	assert.Equal(t, time.Second, rc.StoreDebounce)
	assert.Equal(t, 4*time.Second, rc.StoreMaxWait)
	assert.Equal(t, 12*time.Second, rc.StoreTimeout)
}
