package registry_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagbucket/bucketing/model"
	"github.com/flagbucket/bucketing/registry"
)

func TestConfigMissingReturnsTypedError(t *testing.T) {
	r := registry.New()
	_, err := r.Config("no-such-key")
	require.Error(t, err)
}

func TestInitSDKKeyInstallsConfig(t *testing.T) {
	r := registry.New()
	full := model.FullConfig{Project: model.Project{Key: "proj"}, Audiences: map[string]json.RawMessage{}}
	cfg, err := r.InitSDKKey(context.Background(), "key1", full)
	require.NoError(t, err)
	assert.Equal(t, "proj", cfg.Project.Key)

	got, err := r.Config("key1")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestInitSDKKeyDeduplicatesConcurrentCompiles(t *testing.T) {
	r := registry.New()
	full := model.FullConfig{Project: model.Project{Key: "proj"}, Audiences: map[string]json.RawMessage{}}

	var wg sync.WaitGroup
	results := make([]*model.Config, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg, err := r.InitSDKKey(context.Background(), "shared-key", full)
			require.NoError(t, err)
			results[i] = cfg
		}(i)
	}
	wg.Wait()

	for _, cfg := range results[1:] {
		assert.Same(t, results[0], cfg)
	}
}

func TestClientCustomDataRoundTrip(t *testing.T) {
	r := registry.New()
	assert.Nil(t, r.ClientCustomData("key1"))

	data := map[string]json.RawMessage{"plan": json.RawMessage(`"pro"`)}
	r.SetClientCustomData("key1", data)
	assert.Equal(t, data, r.ClientCustomData("key1"))
}

func TestPlatformDataGeneratesOnce(t *testing.T) {
	r := registry.New()
	calls := 0
	generate := func(v string) model.PlatformData {
		calls++
		return model.PlatformData{SDKVersion: v}
	}

	d1 := r.PlatformData("key1", "1.0.0", generate)
	d2 := r.PlatformData("key1", "1.0.0", generate)
	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, calls)
}

func TestHasConfigAndRemove(t *testing.T) {
	r := registry.New()
	assert.False(t, r.HasConfig("key1"))

	full := model.FullConfig{Project: model.Project{Key: "proj"}, Audiences: map[string]json.RawMessage{}}
	_, err := r.InitSDKKey(context.Background(), "key1", full)
	require.NoError(t, err)
	assert.True(t, r.HasConfig("key1"))

	r.RemoveConfig("key1")
	assert.False(t, r.HasConfig("key1"))
}

func TestSetConfigReplacesWhileOldReadersKeepTheirSnapshot(t *testing.T) {
	r := registry.New()
	full := model.FullConfig{Project: model.Project{Key: "proj-v1"}, Audiences: map[string]json.RawMessage{}}
	_, err := r.InitSDKKey(context.Background(), "key1", full)
	require.NoError(t, err)

	old, err := r.Config("key1")
	require.NoError(t, err)

	next, err := model.FromFullConfig(model.FullConfig{Project: model.Project{Key: "proj-v2"}, Audiences: map[string]json.RawMessage{}})
	require.NoError(t, err)
	r.SetConfig("key1", next)

	// The replaced snapshot stays valid for readers still holding it.
	assert.Equal(t, "proj-v1", old.Project.Key)
	current, err := r.Config("key1")
	require.NoError(t, err)
	assert.Equal(t, "proj-v2", current.Project.Key)
}
