// Package registry holds the process-wide, SDK-key-keyed state an embedding
// application installs once per key and the evaluation path reads on every
// call: compiled configs, platform data, client custom data, and event
// queue handles. Each map is guarded by its own RWMutex, so operations on
// one map never serialize against another; writes replace values wholesale
// (copy-on-write), never mutate in place.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/flagbucket/bucketing/errs"
	"github.com/flagbucket/bucketing/model"
)

// keyedMap is one registry map: a reader-writer lock over an SDK-key-keyed
// associative container, independent of the other registry maps.
type keyedMap[V any] struct {
	sync.RWMutex
	data map[string]V
}

func newKeyedMap[V any]() *keyedMap[V] {
	return &keyedMap[V]{data: make(map[string]V)}
}

func (m *keyedMap[V]) get(sdkKey string) (V, bool) {
	m.RLock()
	defer m.RUnlock()
	v, ok := m.data[sdkKey]
	return v, ok
}

func (m *keyedMap[V]) set(sdkKey string, v V) {
	m.Lock()
	m.data[sdkKey] = v
	m.Unlock()
}

func (m *keyedMap[V]) remove(sdkKey string) {
	m.Lock()
	delete(m.data, sdkKey)
	m.Unlock()
}

// Registry holds everything keyed by SDK key that the public API needs to
// look up on every evaluation call. The four maps are locked independently.
type Registry struct {
	configs      *keyedMap[*model.Config]
	platformData *keyedMap[model.PlatformData]
	customData   *keyedMap[map[string]json.RawMessage]
	eventQueues  *keyedMap[any] // holds *events.Queue; typed as any to avoid an import cycle

	compileGroup singleflight.Group
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		configs:      newKeyedMap[*model.Config](),
		platformData: newKeyedMap[model.PlatformData](),
		customData:   newKeyedMap[map[string]json.RawMessage](),
		eventQueues:  newKeyedMap[any](),
	}
}

// InitSDKKey compiles full into a Config and installs it for sdkKey.
// Overlapping InitSDKKey calls for the same key are deduplicated: only one
// compile runs, and every caller whose call overlaps it observes its result.
// A call that starts after an earlier one has returned compiles again and
// replaces the installed config.
func (r *Registry) InitSDKKey(ctx context.Context, sdkKey string, full model.FullConfig) (*model.Config, error) {
	v, err, _ := r.compileGroup.Do(sdkKey, func() (any, error) {
		cfg, err := model.FromFullConfig(full)
		if err != nil {
			return nil, err
		}
		r.configs.set(sdkKey, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Config), nil
}

// SetConfig installs an already-compiled Config for sdkKey, replacing any
// existing one wholesale.
func (r *Registry) SetConfig(sdkKey string, cfg *model.Config) {
	r.configs.set(sdkKey, cfg)
}

// Config returns the compiled config installed for sdkKey.
func (r *Registry) Config(sdkKey string) (*model.Config, error) {
	cfg, ok := r.configs.get(sdkKey)
	if !ok {
		return nil, errs.New(errs.MissingConfig, "no config installed for sdk key %q", sdkKey)
	}
	return cfg, nil
}

// HasConfig reports whether a config is installed for sdkKey.
func (r *Registry) HasConfig(sdkKey string) bool {
	_, ok := r.configs.get(sdkKey)
	return ok
}

// RemoveConfig clears the config installed for sdkKey, e.g. on client
// shutdown.
func (r *Registry) RemoveConfig(sdkKey string) {
	r.configs.remove(sdkKey)
}

// SetPlatformData installs platform data for sdkKey.
func (r *Registry) SetPlatformData(sdkKey string, data model.PlatformData) {
	r.platformData.set(sdkKey, data)
}

// PlatformData returns the platform data installed for sdkKey, generating
// and installing a default on first access.
func (r *Registry) PlatformData(sdkKey string, sdkVersion string, generate func(string) model.PlatformData) model.PlatformData {
	data, ok := r.platformData.get(sdkKey)
	if ok {
		return data
	}

	data = generate(sdkVersion)
	r.platformData.set(sdkKey, data)
	return data
}

// SetClientCustomData installs the client-level custom data merged into
// every user evaluated under sdkKey.
func (r *Registry) SetClientCustomData(sdkKey string, data map[string]json.RawMessage) {
	r.customData.set(sdkKey, data)
}

// ClientCustomData returns the client custom data installed for sdkKey, or
// nil if none has been set.
func (r *Registry) ClientCustomData(sdkKey string) map[string]json.RawMessage {
	data, _ := r.customData.get(sdkKey)
	return data
}

// SetEventQueue installs an event queue handle for sdkKey. The handle is
// stored as `any` so this package doesn't import events (events imports
// model, and the root package wires registry + events together).
func (r *Registry) SetEventQueue(sdkKey string, queue any) {
	r.eventQueues.set(sdkKey, queue)
}

// EventQueue returns the event queue handle installed for sdkKey.
func (r *Registry) EventQueue(sdkKey string) (any, bool) {
	return r.eventQueues.get(sdkKey)
}

// RemoveEventQueue clears the event queue handle installed for sdkKey.
func (r *Registry) RemoveEventQueue(sdkKey string) {
	r.eventQueues.remove(sdkKey)
}
